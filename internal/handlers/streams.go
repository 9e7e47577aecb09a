package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vidfriends/relationships/internal/docstore"
	"github.com/vidfriends/relationships/internal/logging"
	"github.com/vidfriends/relationships/internal/models"
	"github.com/vidfriends/relationships/internal/subscriptions"
)

const defaultHeartbeat = 25 * time.Second

// StreamHandler serves live relationship feeds as server-sent events.
type StreamHandler struct {
	Feeds     FeedSubscriber
	Heartbeat time.Duration
}

// IncomingRequests handles GET /api/v1/friends/stream/requests.
func (h StreamHandler) IncomingRequests(w http.ResponseWriter, r *http.Request) {
	stream(h, w, r, "requests", func(ctx context.Context, caller string, push func([]models.FriendRequest)) (*subscriptions.Subscription, error) {
		return h.Feeds.SubscribeIncomingRequests(ctx, caller, push)
	})
}

// Friends handles GET /api/v1/friends/stream/friends.
func (h StreamHandler) Friends(w http.ResponseWriter, r *http.Request) {
	stream(h, w, r, "friends", func(ctx context.Context, caller string, push func([]string)) (*subscriptions.Subscription, error) {
		return h.Feeds.SubscribeFriends(ctx, caller, push)
	})
}

func stream[T any](h StreamHandler, w http.ResponseWriter, r *http.Request, event string, open func(context.Context, string, func([]T)) (*subscriptions.Subscription, error)) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	caller, ok := requireCaller(ctx, w, r)
	if !ok {
		return
	}
	if h.Feeds == nil {
		respondJSON(ctx, w, http.StatusServiceUnavailable, map[string]string{"error": "live feeds unavailable"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	latest := newLatest[T]()
	sub, err := open(docstore.WithPrincipal(ctx, caller), caller, latest.set)
	if err != nil {
		logger.Error("open feed", "feed", event, "error", err)
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "could not open feed"})
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	write := func() bool {
		items, ok := latest.take()
		if !ok {
			return true
		}
		body, err := json.Marshal(items)
		if err != nil {
			logger.Error("encode feed update", "feed", event, "error", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-latest.ready:
			if !write() {
				return
			}
		case <-sub.Done():
			write()
			if err := sub.Err(); err != nil {
				fmt.Fprint(w, "event: error\ndata: {\"error\":\"feed interrupted\"}\n\n")
			} else {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
			}
			flusher.Flush()
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// latest keeps only the most recent delivery so a slow client never blocks the feed.
type latest[T any] struct {
	mu    sync.Mutex
	items []T
	has   bool
	ready chan struct{}
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{ready: make(chan struct{}, 1)}
}

func (l *latest[T]) set(items []T) {
	l.mu.Lock()
	l.items, l.has = items, true
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latest[T]) take() ([]T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.has {
		return nil, false
	}
	items := l.items
	l.items, l.has = nil, false
	if items == nil {
		items = []T{}
	}
	return items, true
}
