package relationships

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vidfriends/relationships/internal/docstore"
	"github.com/vidfriends/relationships/internal/logging"
	"github.com/vidfriends/relationships/internal/metrics"
	"github.com/vidfriends/relationships/internal/models"
)

const (
	defaultWriteRetries = 3
	defaultRetryBackoff = 50 * time.Millisecond
	maxRetryBackoff     = 2 * time.Second
)

// edgeWriter applies both halves of a friendship edge as two independent,
// idempotent writes. Each half is journaled before it is written and the
// entry is dropped once the write lands, so a half edge with no journal
// entry was never the product of an unfinished link.
type edgeWriter struct {
	repo    *Repository
	metrics *metrics.Metrics
	retries int
	backoff time.Duration
}

// link unions a into b's friends and b into a's friends.
func (w *edgeWriter) link(ctx context.Context, op, a, b string) error {
	return w.apply(ctx, op, models.RepairUnion, a, b)
}

// unlink removes the edge in both directions.
func (w *edgeWriter) unlink(ctx context.Context, op, a, b string) error {
	return w.apply(ctx, op, models.RepairDifference, a, b)
}

func (w *edgeWriter) apply(ctx context.Context, op string, kind models.RepairOp, a, b string) error {
	steps := [2]Step{
		{UserID: a, FriendID: b},
		{UserID: b, FriendID: a},
	}

	var intents []string
	for _, step := range steps {
		id, err := w.journal(ctx, kind, step)
		if err != nil {
			w.discard(ctx, intents)
			return fmt.Errorf("%s friendship %s/%s: %w: %w", op, a, b, errIntentNotRecorded, err)
		}
		intents = append(intents, id)
	}

	var failed []error
	for i := range steps {
		steps[i].Err = w.withRetry(ctx, func(ctx context.Context) error {
			return w.write(ctx, kind, steps[i].UserID, steps[i].FriendID)
		})
		if steps[i].OK() {
			w.supersede(ctx, steps[i])
			continue
		}
		failed = append(failed, steps[i].Err)
	}

	switch len(failed) {
	case 0:
		return nil
	case 1:
		w.metrics.PartialWrite(op)
		return &PartialWriteError{Op: op, Steps: steps}
	default:
		return fmt.Errorf("%s friendship %s/%s: %w: %w", op, a, b, errEdgeUnwritten, errors.Join(failed...))
	}
}

func (w *edgeWriter) write(ctx context.Context, kind models.RepairOp, userID, friendID string) error {
	if kind == models.RepairDifference {
		return w.repo.RemoveFriend(ctx, userID, friendID)
	}
	return w.repo.AddFriend(ctx, userID, friendID)
}

// journal records the intended write for one direction ahead of the write.
func (w *edgeWriter) journal(ctx context.Context, kind models.RepairOp, step Step) (string, error) {
	repair := models.Repair{UserID: step.UserID, FriendID: step.FriendID, Op: kind}
	id, err := w.repo.RecordRepair(ctx, repair)
	if err != nil {
		logging.FromContext(ctx).Error("failed to journal friendship write",
			"user_id", step.UserID,
			"friend_id", step.FriendID,
			"op", kind,
			"error", err,
		)
		return "", err
	}
	return id, nil
}

// discard drops intents recorded for a write that was abandoned before any
// friend set changed.
func (w *edgeWriter) discard(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := w.repo.DeleteRepair(ctx, id); err != nil {
			logging.FromContext(ctx).Warn("failed to drop abandoned repair", "repair_id", id, "error", err)
		}
	}
}

// supersede drops every journal entry for a direction that has just been
// written, including its own intent, so a later replay cannot undo it.
func (w *edgeWriter) supersede(ctx context.Context, step Step) {
	repairs, err := w.repo.RepairsFor(ctx, step.UserID, step.FriendID)
	if err != nil {
		logging.FromContext(ctx).Warn("failed to read friendship repairs", "user_id", step.UserID, "friend_id", step.FriendID, "error", err)
		return
	}
	for _, repair := range repairs {
		if err := w.repo.DeleteRepair(ctx, repair.ID); err != nil {
			logging.FromContext(ctx).Warn("failed to drop superseded repair", "repair_id", repair.ID, "error", err)
		}
	}
}

// withRetry runs fn until it succeeds, the retry budget is spent or ctx ends.
// Friend-set writes are idempotent, so blind retries are safe.
func (w *edgeWriter) withRetry(ctx context.Context, fn func(context.Context) error) error {
	attempts := w.retries
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * w.backoff
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		logging.FromContext(ctx).Warn("friend set write failed",
			"attempt", attempt+1,
			"max_attempts", attempts,
			"error", err,
		)
	}
	return err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, docstore.ErrPermissionDenied):
		return false
	default:
		return true
	}
}
