// Package relationships implements friend requests and the symmetric friends
// relation on top of a generic document store.
package relationships

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/vidfriends/relationships/internal/docstore"
	"github.com/vidfriends/relationships/internal/events"
	"github.com/vidfriends/relationships/internal/logging"
	"github.com/vidfriends/relationships/internal/metrics"
	"github.com/vidfriends/relationships/internal/models"
)

// RepairQueue accepts pairs that need asynchronous reconciliation. Enqueue
// must not block on a full queue.
type RepairQueue interface {
	Enqueue(ctx context.Context, pair Pair) error
}

// Options configures a Service. Zero values select in-process defaults.
type Options struct {
	Locker       PairLocker
	Publisher    events.Publisher
	Metrics      *metrics.Metrics
	Repairs      RepairQueue
	WriteRetries int
	RetryBackoff time.Duration
	Clock        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Locker == nil {
		o.Locker = NewLocalLocker(0)
	}
	if o.Publisher == nil {
		o.Publisher = events.NopPublisher{}
	}
	if o.WriteRetries <= 0 {
		o.WriteRetries = defaultWriteRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Service is the friend request state machine.
type Service struct {
	repo      *Repository
	locker    PairLocker
	writer    *edgeWriter
	publisher events.Publisher
	metrics   *metrics.Metrics
	repairs   RepairQueue
	now       func() time.Time
}

// NewService constructs a service over repo.
func NewService(repo *Repository, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		repo:      repo,
		locker:    opts.Locker,
		writer:    &edgeWriter{repo: repo, metrics: opts.Metrics, retries: opts.WriteRetries, backoff: opts.RetryBackoff},
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		repairs:   opts.Repairs,
		now:       opts.Clock,
	}
}

// SendRequest proposes a friendship from -> to. Business rejections are
// reported through the result's Outcome with a nil error. An AutoAccepted
// result may be paired with a *PartialWriteError when one friend-set write failed.
func (s *Service) SendRequest(ctx context.Context, from, to string) (SendResult, error) {
	ctx, span := logging.StartSpan(ctx, "relationships.SendRequest", "from_user_id", from, "to_user_id", to)
	defer span.End()

	if from == to {
		logging.FromContext(ctx).Warn("friend request addressed to sender")
	}

	pair := NewPair(from, to)
	res, err := s.sendLocked(ctx, pair, from, to)
	s.settle(ctx, "accept", pair, err)
	if err != nil && !errors.Is(err, ErrPartialWrite) {
		return SendResult{}, err
	}
	return res, err
}

func (s *Service) sendLocked(ctx context.Context, pair Pair, from, to string) (SendResult, error) {
	logger := logging.FromContext(ctx)

	release, err := s.locker.Lock(ctx, pair)
	if err != nil {
		return SendResult{}, fmt.Errorf("lock pair: %w", err)
	}
	defer release()

	res, err := s.decideSend(ctx, from, to)
	if errors.Is(err, docstore.ErrConflict) {
		// Another writer created the request between our read and write.
		logger.Info("friend request created concurrently, re-evaluating")
		res, err = s.decideSend(ctx, from, to)
	}
	if res.Outcome == 0 {
		if err == nil {
			err = errors.New("send friend request: no outcome")
		}
		return SendResult{}, err
	}

	s.metrics.SendOutcome(res.Outcome.String())
	logger.Info("friend request sent", "outcome", res.Outcome.String(), "request_id", res.RequestID)

	switch res.Outcome {
	case Created:
		s.publish(ctx, events.Event{Type: events.RequestCreated, RequestID: res.RequestID, FromUserID: from, ToUserID: to})
	case Resent:
		s.publish(ctx, events.Event{Type: events.RequestResent, RequestID: res.RequestID, FromUserID: from, ToUserID: to})
	}
	return res, err
}

func (s *Service) decideSend(ctx context.Context, from, to string) (SendResult, error) {
	friends, err := s.repo.Friends(ctx, from)
	if err != nil {
		return SendResult{}, err
	}
	if slices.Contains(friends, to) {
		return SendResult{Outcome: AlreadyFriends}, nil
	}

	forward, ok, err := s.repo.FindRequest(ctx, from, to)
	if err != nil {
		return SendResult{}, err
	}
	if ok {
		if forward.Status == models.RequestPending {
			return SendResult{Outcome: DuplicateRequest, RequestID: forward.ID}, nil
		}
		if err := s.repo.SetStatus(ctx, forward.ID, models.RequestPending); err != nil {
			return SendResult{}, err
		}
		return SendResult{Outcome: Resent, RequestID: forward.ID}, nil
	}

	reverse, ok, err := s.repo.FindRequest(ctx, to, from)
	if err != nil {
		return SendResult{}, err
	}
	if ok && reverse.Status == models.RequestPending {
		err := s.acceptLocked(ctx, reverse.ID, to, from)
		if err != nil && !errors.Is(err, ErrPartialWrite) {
			return SendResult{}, err
		}
		return SendResult{Outcome: AutoAccepted, RequestID: reverse.ID}, err
	}

	id, err := s.repo.CreateRequest(ctx, from, to)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{Outcome: Created, RequestID: id}, nil
}

// AcceptRequest marks the request accepted and adds the friendship in both
// directions. A missing request yields ErrNotFound; a half-applied edge yields
// a *PartialWriteError and is queued for reconciliation.
func (s *Service) AcceptRequest(ctx context.Context, requestID, from, to string) (err error) {
	ctx, span := logging.StartSpan(ctx, "relationships.AcceptRequest", "request_id", requestID, "from_user_id", from, "to_user_id", to)
	defer func() {
		span.Fail(err)
		span.End()
	}()

	pair := NewPair(from, to)
	release, err := s.locker.Lock(ctx, pair)
	if err != nil {
		return fmt.Errorf("lock pair: %w", err)
	}
	err = s.acceptLocked(ctx, requestID, from, to)
	release()

	s.settle(ctx, "accept", pair, err)
	return err
}

func (s *Service) acceptLocked(ctx context.Context, requestID, from, to string) error {
	if err := s.repo.SetStatus(ctx, requestID, models.RequestAccepted); err != nil {
		return err
	}

	err := s.writer.link(ctx, "accept", from, to)
	if errors.Is(err, errIntentNotRecorded) {
		reopen(ctx, s.repo, requestID)
		return err
	}
	if err == nil || errors.Is(err, ErrPartialWrite) {
		s.publish(ctx, events.Event{Type: events.RequestAccepted, RequestID: requestID, FromUserID: from, ToUserID: to})
	}
	return err
}

// RejectRequest marks the request rejected. The document is kept so the
// sender may revive it later.
func (s *Service) RejectRequest(ctx context.Context, requestID string) error {
	ctx, span := logging.StartSpan(ctx, "relationships.RejectRequest", "request_id", requestID)
	defer span.End()

	req, err := s.repo.Request(ctx, requestID)
	if err != nil {
		return err
	}

	release, err := s.locker.Lock(ctx, NewPair(req.FromUserID, req.ToUserID))
	if err != nil {
		return fmt.Errorf("lock pair: %w", err)
	}
	defer release()

	if err := s.repo.SetStatus(ctx, requestID, models.RequestRejected); err != nil {
		return err
	}
	s.publish(ctx, events.Event{Type: events.RequestRejected, RequestID: requestID, FromUserID: req.FromUserID, ToUserID: req.ToUserID})
	return nil
}

// CancelRequest deletes the request.
func (s *Service) CancelRequest(ctx context.Context, requestID string) error {
	ctx, span := logging.StartSpan(ctx, "relationships.CancelRequest", "request_id", requestID)
	defer span.End()

	req, err := s.repo.Request(ctx, requestID)
	if err != nil {
		return err
	}

	release, err := s.locker.Lock(ctx, NewPair(req.FromUserID, req.ToUserID))
	if err != nil {
		return fmt.Errorf("lock pair: %w", err)
	}
	defer release()

	if err := s.repo.DeleteRequest(ctx, requestID); err != nil {
		return err
	}
	s.publish(ctx, events.Event{Type: events.RequestCancelled, RequestID: requestID, FromUserID: req.FromUserID, ToUserID: req.ToUserID})
	return nil
}

// RemoveFriend removes the friendship in both directions. Request documents
// are left untouched.
func (s *Service) RemoveFriend(ctx context.Context, a, b string) (err error) {
	ctx, span := logging.StartSpan(ctx, "relationships.RemoveFriend", "user_id", a, "friend_id", b)
	defer func() {
		span.Fail(err)
		span.End()
	}()

	pair := NewPair(a, b)
	release, err := s.locker.Lock(ctx, pair)
	if err != nil {
		return fmt.Errorf("lock pair: %w", err)
	}
	err = s.writer.unlink(ctx, "remove", a, b)
	if err == nil || errors.Is(err, ErrPartialWrite) {
		s.publish(ctx, events.Event{Type: events.FriendshipRemoved, FromUserID: a, ToUserID: b})
	}
	release()

	s.settle(ctx, "remove", pair, err)
	return err
}

// CheckFriendshipStatus reports the relationship between a and b from a's
// side. Friendship wins over any stale pending request. Two opposite pending
// requests are folded into a friendship on the spot.
func (s *Service) CheckFriendshipStatus(ctx context.Context, a, b string) (models.FriendshipStatus, error) {
	ctx, span := logging.StartSpan(ctx, "relationships.CheckFriendshipStatus", "user_id", a, "other_id", b)
	defer span.End()

	friends, err := s.repo.Friends(ctx, a)
	if err != nil {
		return models.FriendshipNone, err
	}
	if slices.Contains(friends, b) {
		return models.FriendshipFriends, nil
	}

	sent, err := s.pendingRequest(ctx, a, b)
	if err != nil {
		return models.FriendshipNone, err
	}
	if sent && a == b {
		return models.FriendshipPendingSent, nil
	}
	// A pending forward request still needs the reverse read: opposite
	// pending requests are collapsed here, costing one extra read per check.
	received, err := s.pendingRequest(ctx, b, a)
	if err != nil {
		return models.FriendshipNone, err
	}

	switch {
	case sent && received:
		collapsed, err := s.collapse(ctx, a, b)
		if err != nil {
			logging.FromContext(ctx).Warn("failed to collapse opposite pending requests", "user_id", a, "other_id", b, "error", err)
		}
		if collapsed {
			return models.FriendshipFriends, nil
		}
		return models.FriendshipPendingSent, nil
	case sent:
		return models.FriendshipPendingSent, nil
	case received:
		return models.FriendshipPendingReceived, nil
	default:
		return models.FriendshipNone, nil
	}
}

func (s *Service) pendingRequest(ctx context.Context, from, to string) (bool, error) {
	req, ok, err := s.repo.FindRequest(ctx, from, to)
	if err != nil {
		return false, err
	}
	return ok && req.Status == models.RequestPending, nil
}

func (s *Service) collapse(ctx context.Context, a, b string) (bool, error) {
	pair := NewPair(a, b)
	collapsed, err := s.collapseLocked(ctx, pair, a, b)
	s.settle(ctx, "collapse", pair, err)
	if collapsed == "" || (err != nil && !errors.Is(err, ErrPartialWrite)) {
		return false, err
	}
	return true, err
}

func (s *Service) collapseLocked(ctx context.Context, pair Pair, a, b string) (string, error) {
	release, err := s.locker.Lock(ctx, pair)
	if err != nil {
		return "", fmt.Errorf("lock pair: %w", err)
	}
	defer release()

	collapsed, err := collapseOpposite(ctx, s.repo, s.writer, a, b)
	if collapsed == "" || (err != nil && !errors.Is(err, ErrPartialWrite)) {
		return collapsed, err
	}
	s.metrics.Repair("collapse")
	s.publish(ctx, events.Event{Type: events.RequestAccepted, RequestID: collapsed, FromUserID: a, ToUserID: b})
	return collapsed, err
}

// Request loads a single request.
func (s *Service) Request(ctx context.Context, requestID string) (models.FriendRequest, error) {
	return s.repo.Request(ctx, requestID)
}

// IncomingRequests lists pending requests addressed to userID.
func (s *Service) IncomingRequests(ctx context.Context, userID string) ([]models.FriendRequest, error) {
	return s.repo.Incoming(ctx, userID)
}

// OutgoingRequests lists pending requests sent by userID.
func (s *Service) OutgoingRequests(ctx context.Context, userID string) ([]models.FriendRequest, error) {
	return s.repo.Outgoing(ctx, userID)
}

// Friends returns the friend set of userID.
func (s *Service) Friends(ctx context.Context, userID string) ([]string, error) {
	return s.repo.Friends(ctx, userID)
}

// settle offers the pair to the reconciler when a dual write did not fully
// apply. Callers must not hold the pair lock.
func (s *Service) settle(ctx context.Context, op string, pair Pair, err error) {
	partial := errors.Is(err, ErrPartialWrite)
	if !partial && !errors.Is(err, errEdgeUnwritten) {
		return
	}
	logger := logging.FromContext(ctx)
	logger.Warn("friendship write incomplete", "op", op, "pair", pair.Key(), "partial", partial, "error", err)

	if s.repairs == nil {
		return
	}
	if qerr := s.repairs.Enqueue(context.WithoutCancel(ctx), pair); qerr != nil {
		logger.Error("failed to queue pair for reconciliation", "pair", pair.Key(), "error", qerr)
	}
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	event.OccurredAt = s.now()
	if err := s.publisher.Publish(ctx, event); err != nil {
		logging.FromContext(ctx).Warn("failed to publish relationship event", "type", event.Type, "error", err)
	}
}
