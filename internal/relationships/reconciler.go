package relationships

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/vidfriends/relationships/internal/logging"
	"github.com/vidfriends/relationships/internal/metrics"
	"github.com/vidfriends/relationships/internal/models"
)

// ReportStore persists sweep reports.
type ReportStore interface {
	Save(ctx context.Context, name string, r io.Reader) (string, error)
}

// ReconcilerConfig controls the reconciler's dependencies and worker pool.
type ReconcilerConfig struct {
	Locker       PairLocker
	Metrics      *metrics.Metrics
	Reports      ReportStore
	WriteRetries int
	RetryBackoff time.Duration
	Workers      int
	QueueSize    int
	Logger       *slog.Logger
}

// Report describes what Reconcile changed for one pair.
type Report struct {
	Pair          Pair   `json:"pair"`
	Collapsed     string `json:"collapsed,omitempty"`
	Replayed      int    `json:"replayed"`
	StaleAccepted int    `json:"staleAccepted"`
	Dropped       bool   `json:"dropped"`
}

// Changed reports whether any repair was applied.
func (r Report) Changed() bool {
	return r.Collapsed != "" || r.Replayed > 0 || r.StaleAccepted > 0 || r.Dropped
}

// SweepReport summarises a full pass over the store.
type SweepReport struct {
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
	Pairs         int       `json:"pairs"`
	Changed       int       `json:"changed"`
	Collapsed     int       `json:"collapsed"`
	Replayed      int       `json:"replayed"`
	StaleAccepted int       `json:"staleAccepted"`
	Dropped       int       `json:"dropped"`
	Failed        int       `json:"failed"`
	Errors        []string  `json:"errors,omitempty"`
	Location      string    `json:"-"`
}

// Reconciler restores the symmetric friends invariant after partial writes
// and folds opposite pending requests into friendships.
type Reconciler struct {
	repo    *Repository
	locker  PairLocker
	writer  *edgeWriter
	metrics *metrics.Metrics
	reports ReportStore
	logger  *slog.Logger

	jobs   chan Pair
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	sendMu sync.RWMutex
	closed bool
	mu     sync.Mutex
	queued map[Pair]struct{}
}

var errReconcilerClosed = errors.New("reconciler closed")

// ErrRepairQueueFull is returned by Enqueue when no worker slot is free.
var ErrRepairQueueFull = errors.New("repair queue full")

// NewReconciler constructs a reconciler and starts its worker pool.
func NewReconciler(repo *Repository, cfg ReconcilerConfig) *Reconciler {
	if cfg.Locker == nil {
		cfg.Locker = NewLocalLocker(0)
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = defaultWriteRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Reconciler{
		repo:    repo,
		locker:  cfg.Locker,
		writer:  &edgeWriter{repo: repo, metrics: cfg.Metrics, retries: cfg.WriteRetries, backoff: cfg.RetryBackoff},
		metrics: cfg.Metrics,
		reports: cfg.Reports,
		logger:  cfg.Logger,
		jobs:    make(chan Pair, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		queued:  make(map[Pair]struct{}),
	}

	r.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go r.worker()
	}
	return r
}

// Enqueue schedules pair for asynchronous reconciliation. A pair already
// waiting in the queue is not queued twice. Enqueue never blocks: when the
// queue is full it returns ErrRepairQueueFull and the pair is left to the
// journal and the next sweep.
func (r *Reconciler) Enqueue(ctx context.Context, pair Pair) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.closed {
		return errReconcilerClosed
	}

	r.mu.Lock()
	if _, ok := r.queued[pair]; ok {
		r.mu.Unlock()
		return nil
	}
	r.queued[pair] = struct{}{}
	r.mu.Unlock()

	select {
	case r.jobs <- pair:
		return nil
	default:
		r.mu.Lock()
		delete(r.queued, pair)
		r.mu.Unlock()
		return ErrRepairQueueFull
	}
}

// Shutdown stops accepting work and waits for queued pairs to drain. If ctx
// ends first, in-flight reconciliations are cancelled.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	r.once.Do(func() {
		r.sendMu.Lock()
		r.closed = true
		close(r.jobs)
		r.sendMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	case <-done:
		r.cancel()
		return nil
	}
}

func (r *Reconciler) worker() {
	defer r.wg.Done()

	for pair := range r.jobs {
		r.mu.Lock()
		delete(r.queued, pair)
		r.mu.Unlock()

		ctx := logging.WithLogger(r.ctx, r.logger)
		report, err := r.Reconcile(ctx, pair.A, pair.B)
		if err != nil {
			r.logger.Error("reconcile pair failed", "pair", pair.Key(), "error", err)
			continue
		}
		if report.Changed() {
			r.logger.Info("reconciled pair", "pair", pair.Key(), "report", report)
		}
	}
}

// Reconcile repairs the relationship between a and b under the pair lock.
func (r *Reconciler) Reconcile(ctx context.Context, a, b string) (Report, error) {
	ctx, span := logging.StartSpan(ctx, "relationships.Reconcile", "pair", NewPair(a, b).Key())
	defer span.End()

	pair := NewPair(a, b)
	report := Report{Pair: pair}

	release, err := r.locker.Lock(ctx, pair)
	if err != nil {
		return report, fmt.Errorf("lock pair: %w", err)
	}
	defer release()

	collapsed, err := collapseOpposite(ctx, r.repo, r.writer, pair.A, pair.B)
	if collapsed != "" {
		report.Collapsed = collapsed
		r.metrics.Repair("collapse")
	}
	if err != nil {
		return report, err
	}

	replayed, err := r.replay(ctx, pair)
	report.Replayed = replayed
	if err != nil {
		return report, err
	}

	aFriends, err := r.repo.Friends(ctx, pair.A)
	if err != nil {
		return report, err
	}
	bFriends, err := r.repo.Friends(ctx, pair.B)
	if err != nil {
		return report, err
	}
	aHasB := slices.Contains(aFriends, pair.B)
	bHasA := slices.Contains(bFriends, pair.A)

	switch {
	case aHasB && bHasA:
		stale, err := r.acceptStale(ctx, pair)
		report.StaleAccepted = stale
		return report, err
	case !aHasB && !bHasA:
		return report, nil
	}

	// Every link journals both halves before writing, and replay has
	// already run, so a half edge left here is the remainder of an
	// interrupted unlink.
	if err := r.writer.unlink(ctx, "reconcile", pair.A, pair.B); err != nil {
		return report, err
	}
	report.Dropped = true
	r.metrics.Repair("difference")
	return report, nil
}

// replay applies journaled writes for both directions of pair, oldest first.
func (r *Reconciler) replay(ctx context.Context, pair Pair) (int, error) {
	var entries []models.Repair
	for _, dir := range [][2]string{{pair.A, pair.B}, {pair.B, pair.A}} {
		repairs, err := r.repo.RepairsFor(ctx, dir[0], dir[1])
		if err != nil {
			return 0, err
		}
		entries = append(entries, repairs...)
	}
	slices.SortStableFunc(entries, func(x, y models.Repair) int {
		return x.CreatedAt.Compare(y.CreatedAt)
	})

	replayed := 0
	for _, entry := range entries {
		err := r.writer.withRetry(ctx, func(ctx context.Context) error {
			return r.writer.write(ctx, entry.Op, entry.UserID, entry.FriendID)
		})
		if err != nil {
			return replayed, fmt.Errorf("replay repair %s: %w", entry.ID, err)
		}
		if err := r.repo.DeleteRepair(ctx, entry.ID); err != nil {
			return replayed, err
		}
		replayed++
		r.metrics.Repair(string(entry.Op))
	}
	return replayed, nil
}

func (r *Reconciler) acceptStale(ctx context.Context, pair Pair) (int, error) {
	stale := 0
	for _, dir := range [][2]string{{pair.A, pair.B}, {pair.B, pair.A}} {
		req, ok, err := r.repo.FindRequest(ctx, dir[0], dir[1])
		if err != nil {
			return stale, err
		}
		if !ok || req.Status != models.RequestPending {
			continue
		}
		if err := r.repo.SetStatus(ctx, req.ID, models.RequestAccepted); err != nil && !errors.Is(err, ErrNotFound) {
			return stale, err
		}
		stale++
		r.metrics.Repair("stale_pending")
	}
	return stale, nil
}

// Sweep reconciles every pair with a journaled repair, opposite pending
// requests or an asymmetric friend edge. When a report store is configured
// the summary is archived as JSON.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := logging.StartSpan(ctx, "relationships.Sweep")
	defer span.End()

	report := SweepReport{StartedAt: time.Now().UTC()}

	pairs, err := r.candidates(ctx)
	if err != nil {
		return report, err
	}
	report.Pairs = len(pairs)

	var errs []error
	for _, pair := range pairs {
		res, err := r.Reconcile(ctx, pair.A, pair.B)
		if res.Changed() {
			report.Changed++
		}
		if res.Collapsed != "" {
			report.Collapsed++
		}
		report.Replayed += res.Replayed
		report.StaleAccepted += res.StaleAccepted
		if res.Dropped {
			report.Dropped++
		}
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", pair.Key(), err))
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	report.FinishedAt = time.Now().UTC()

	logger := logging.FromContext(ctx)
	logger.Info("sweep completed",
		"pairs", report.Pairs,
		"changed", report.Changed,
		"failed", report.Failed,
	)

	if r.reports != nil {
		location, err := r.archive(ctx, report)
		if err != nil {
			logger.Error("failed to archive sweep report", "error", err)
		} else {
			report.Location = location
		}
	}

	return report, errors.Join(errs...)
}

func (r *Reconciler) candidates(ctx context.Context) ([]Pair, error) {
	seen := make(map[Pair]struct{})
	var out []Pair
	add := func(a, b string) {
		pair := NewPair(a, b)
		if _, ok := seen[pair]; ok {
			return
		}
		seen[pair] = struct{}{}
		out = append(out, pair)
	}

	repairs, err := r.repo.Repairs(ctx)
	if err != nil {
		return nil, err
	}
	for _, repair := range repairs {
		add(repair.UserID, repair.FriendID)
	}

	pending, err := r.repo.RequestsByStatus(ctx, models.RequestPending)
	if err != nil {
		return nil, err
	}
	directed := make(map[[2]string]struct{}, len(pending))
	for _, req := range pending {
		directed[[2]string{req.FromUserID, req.ToUserID}] = struct{}{}
	}
	for _, req := range pending {
		if req.FromUserID == req.ToUserID {
			continue
		}
		if _, ok := directed[[2]string{req.ToUserID, req.FromUserID}]; ok {
			add(req.FromUserID, req.ToUserID)
		}
	}

	sets, err := r.repo.FriendSets(ctx)
	if err != nil {
		return nil, err
	}
	for user, friends := range sets {
		for _, friend := range friends {
			if !slices.Contains(sets[friend], user) {
				add(user, friend)
			}
		}
	}

	slices.SortFunc(out, func(x, y Pair) int {
		return cmp.Compare(x.Key(), y.Key())
	})
	return out, nil
}

func (r *Reconciler) archive(ctx context.Context, report SweepReport) (string, error) {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode sweep report: %w", err)
	}
	name := fmt.Sprintf("sweeps/%s.json", report.StartedAt.Format("2006/01/02/150405.000000000"))
	return r.reports.Save(ctx, name, bytes.NewReader(body))
}

// collapseOpposite accepts both requests when a -> b and b -> a are pending
// and links the pair. It returns the id of the earlier request, or "" when
// there was nothing to collapse. Callers must hold the pair lock.
func collapseOpposite(ctx context.Context, repo *Repository, w *edgeWriter, a, b string) (string, error) {
	if a == b {
		return "", nil
	}
	forward, ok, err := repo.FindRequest(ctx, a, b)
	if err != nil || !ok || forward.Status != models.RequestPending {
		return "", err
	}
	reverse, ok, err := repo.FindRequest(ctx, b, a)
	if err != nil || !ok || reverse.Status != models.RequestPending {
		return "", err
	}

	first, second := forward, reverse
	if reverse.CreatedAt.Before(forward.CreatedAt) {
		first, second = reverse, forward
	}

	for _, req := range []models.FriendRequest{first, second} {
		if err := repo.SetStatus(ctx, req.ID, models.RequestAccepted); err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}

	logging.FromContext(ctx).Info("collapsed opposite pending requests",
		"request_id", first.ID,
		"reverse_request_id", second.ID,
	)

	err = w.link(ctx, "collapse", first.FromUserID, first.ToUserID)
	if errors.Is(err, errIntentNotRecorded) {
		reopen(ctx, repo, first.ID, second.ID)
		return "", err
	}
	return first.ID, err
}

// reopen puts accepted requests back to pending after a link was abandoned
// before touching either friend set.
func reopen(ctx context.Context, repo *Repository, ids ...string) {
	for _, id := range ids {
		if err := repo.SetStatus(ctx, id, models.RequestPending); err != nil {
			logging.FromContext(ctx).Error("failed to reopen friend request", "request_id", id, "error", err)
		}
	}
}
