// Package subscriptions turns document store change streams into typed
// relationship feeds.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vidfriends/relationships/internal/docstore"
	"github.com/vidfriends/relationships/internal/logging"
	"github.com/vidfriends/relationships/internal/metrics"
	"github.com/vidfriends/relationships/internal/models"
	"github.com/vidfriends/relationships/internal/relationships"
)

// Feed names used for logging and metrics.
const (
	FeedIncomingRequests = "incoming_requests"
	FeedFriends          = "friends"
)

// Hub opens relationship feeds against a document store.
type Hub struct {
	store   docstore.Store
	metrics *metrics.Metrics
}

// NewHub constructs a hub. m may be nil.
func NewHub(store docstore.Store, m *metrics.Metrics) *Hub {
	return &Hub{store: store, metrics: m}
}

// SubscribeIncomingRequests delivers the full list of pending requests
// addressed to userID, once initially and again after every change.
func (h *Hub) SubscribeIncomingRequests(ctx context.Context, userID string, onChange func([]models.FriendRequest)) (*Subscription, error) {
	deliver := func(docs []docstore.Document) {
		pending := make([]models.FriendRequest, 0, len(docs))
		for _, doc := range docs {
			req := relationships.RequestFromDocument(doc)
			if req.Status == models.RequestPending {
				pending = append(pending, req)
			}
		}
		onChange(pending)
	}
	empty := func() { onChange([]models.FriendRequest{}) }

	return h.subscribe(ctx, FeedIncomingRequests, userID, relationships.IncomingTarget(userID), deliver, empty)
}

// SubscribeFriends delivers the friend set of userID, empty while the user
// has no document.
func (h *Hub) SubscribeFriends(ctx context.Context, userID string, onChange func([]string)) (*Subscription, error) {
	deliver := func(docs []docstore.Document) {
		if len(docs) == 0 {
			onChange([]string{})
			return
		}
		onChange(relationships.FriendsFromDocument(docs[0]))
	}
	empty := func() { onChange([]string{}) }

	return h.subscribe(ctx, FeedFriends, userID, relationships.FriendsTarget(userID), deliver, empty)
}

func (h *Hub) subscribe(ctx context.Context, feed, userID string, target docstore.Target, deliver func([]docstore.Document), empty func()) (*Subscription, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.FromContext(ctx).With("feed", feed, "user_id", userID)

	sub := &Subscription{
		feed:    feed,
		logger:  logger,
		metrics: h.metrics,
		done:    make(chan struct{}),
	}

	onNext := func(docs []docstore.Document) {
		sub.deliverMu.Lock()
		defer sub.deliverMu.Unlock()
		if sub.closed.Load() {
			return
		}
		deliver(docs)
	}

	cancel, err := h.store.Subscribe(ctx, target, onNext, func(err error) { sub.fail(err, empty) })
	if err != nil {
		if errors.Is(err, docstore.ErrPermissionDenied) {
			sub.mu.Lock()
			sub.cancelStore = func() {}
			sub.mu.Unlock()
			sub.fail(err, empty)
			return sub, nil
		}
		return nil, fmt.Errorf("subscribe %s: %w", feed, err)
	}

	h.metrics.SubscriptionOpened(feed)

	sub.mu.Lock()
	sub.cancelStore = cancel
	sub.opened = true
	ended := sub.closed.Load()
	sub.mu.Unlock()
	if ended {
		sub.finish()
		return sub, nil
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-sub.done:
		}
	}()

	logger.Debug("subscription opened")
	return sub, nil
}

// Subscription is a live feed. Deliveries are serialized and none start
// after Cancel returns or after the store ends the stream.
type Subscription struct {
	feed    string
	logger  *slog.Logger
	metrics *metrics.Metrics

	deliverMu sync.Mutex
	closed    atomic.Bool

	mu          sync.Mutex
	cancelStore docstore.CancelFunc
	opened      bool
	err         error

	once sync.Once
	done chan struct{}
}

// Cancel stops the feed. It is safe to call more than once and after the
// store has already torn the stream down.
func (s *Subscription) Cancel() {
	s.closed.Store(true)
	s.finish()
}

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the store ended the feed. Permission revocation and
// caller cancellation both leave it nil.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail handles a terminal store error: one empty delivery, then teardown.
func (s *Subscription) fail(err error, empty func()) {
	s.deliverMu.Lock()
	if s.closed.Swap(true) {
		s.deliverMu.Unlock()
		return
	}
	empty()
	s.deliverMu.Unlock()

	if errors.Is(err, docstore.ErrPermissionDenied) {
		s.logger.Info("subscription ended after access was revoked")
	} else {
		s.logger.Error("subscription failed", "error", err)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}

	s.finish()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	cancel, opened := s.cancelStore, s.opened
	s.mu.Unlock()
	if cancel == nil {
		// The store has not handed back its cancel func yet; subscribe calls
		// finish again once it has.
		return
	}

	s.once.Do(func() {
		cancel()
		close(s.done)
		if opened {
			s.metrics.SubscriptionClosed(s.feed)
		}
	})
}
