package relationships

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vidfriends/relationships/internal/docstore"
	"github.com/vidfriends/relationships/internal/events"
)

type fixture struct {
	store   *docstore.MemoryStore
	repo    *Repository
	service *Service
	events  *recordingPublisher
	queue   *recordingQueue
	ctx     context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := docstore.NewMemoryStore(docstore.WithUniqueIndex(KindRequests, RequestUniqueFields...))
	repo := NewRepository(store)
	pub := &recordingPublisher{}
	queue := &recordingQueue{}

	svc := NewService(repo, Options{
		Publisher:    pub,
		Repairs:      queue,
		WriteRetries: 2,
		RetryBackoff: time.Millisecond,
	})

	return &fixture{
		store:   store,
		repo:    repo,
		service: svc,
		events:  pub,
		queue:   queue,
		ctx:     context.Background(),
	}
}

func (f *fixture) befriend(t *testing.T, a, b string) {
	t.Helper()
	require.NoError(t, f.repo.AddFriend(f.ctx, a, b))
	require.NoError(t, f.repo.AddFriend(f.ctx, b, a))
}

func (f *fixture) friends(t *testing.T, user string) []string {
	t.Helper()
	friends, err := f.repo.Friends(f.ctx, user)
	require.NoError(t, err)
	return friends
}

func (f *fixture) request(t *testing.T, id string) (status string) {
	t.Helper()
	req, err := f.repo.Request(f.ctx, id)
	require.NoError(t, err)
	return string(req.Status)
}

// failUser makes every friend-set write for userID fail until the returned func is called.
func (f *fixture) failUser(userID string) (restore func()) {
	f.store.SetWriteFault(func(op string, kind docstore.Kind, id string) error {
		if kind == KindUsers && id == userID {
			return errStoreDown
		}
		return nil
	})
	return func() { f.store.SetWriteFault(nil) }
}

var errStoreDown = errors.New("store unavailable")

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingQueue struct {
	mu    sync.Mutex
	pairs []Pair
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, pair Pair) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.pairs = append(q.pairs, pair)
	return nil
}

func (q *recordingQueue) queued() []Pair {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Pair(nil), q.pairs...)
}

type stubReportStore struct {
	mu    sync.Mutex
	names []string
	body  []byte
	err   error
}

func (s *stubReportStore) Save(_ context.Context, name string, r io.Reader) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	s.body = body
	return "s3://reports/" + name, nil
}

// racingStore simulates a concurrent writer on another instance: the first
// request create lands a competing document just before our own and fails
// with a conflict.
type racingStore struct {
	docstore.Store
	once sync.Once
}

func (s *racingStore) Create(ctx context.Context, kind docstore.Kind, fields map[string]any) (string, error) {
	raced := false
	if kind == KindRequests {
		s.once.Do(func() {
			raced = true
			_, _ = s.Store.Create(ctx, kind, fields)
		})
	}
	if raced {
		return "", docstore.ErrConflict
	}
	return s.Store.Create(ctx, kind, fields)
}
