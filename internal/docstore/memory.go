package docstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// WriteFault lets tests fail individual writes. Returning a non-nil error
// aborts the write before it is applied.
type WriteFault func(op string, kind Kind, id string) error

// MemoryStore implements Store in process. It backs tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[Kind]map[string]Document
	unique  map[Kind][]string
	revoked map[string]struct{}
	subs    map[*memorySub]struct{}
	fault   WriteFault
	now     func() time.Time

	reads  atomic.Int64
	writes atomic.Int64
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithUniqueIndex rejects creates on kind whose fields collide with an existing document.
func WithUniqueIndex(kind Kind, fields ...string) MemoryOption {
	return func(s *MemoryStore) {
		s.unique[kind] = append([]string(nil), fields...)
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		docs:    make(map[Kind]map[string]Document),
		unique:  make(map[Kind][]string),
		revoked: make(map[string]struct{}),
		subs:    make(map[*memorySub]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetWriteFault installs (or clears, with nil) a write fault hook.
func (s *MemoryStore) SetWriteFault(fault WriteFault) {
	s.mu.Lock()
	s.fault = fault
	s.mu.Unlock()
}

// Reads returns the number of read calls served so far.
func (s *MemoryStore) Reads() int64 { return s.reads.Load() }

// Writes returns the number of write calls attempted so far.
func (s *MemoryStore) Writes() int64 { return s.writes.Load() }

// Count returns the number of documents stored under kind.
func (s *MemoryStore) Count(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[kind])
}

// Create inserts a new document and returns its generated id.
func (s *MemoryStore) Create(_ context.Context, kind Kind, fields map[string]any) (string, error) {
	s.writes.Add(1)
	id := uuid.NewString()

	s.mu.Lock()
	if err := s.faultLocked("create", kind, id); err != nil {
		s.mu.Unlock()
		return "", err
	}
	if s.conflictLocked(kind, fields) {
		s.mu.Unlock()
		return "", ErrConflict
	}
	now := s.now()
	s.collectionLocked(kind)[id] = Document{
		ID:        id,
		Fields:    cloneFields(fields),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Unlock()

	s.notify(kind)
	return id, nil
}

// Get returns a copy of the addressed document.
func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (Document, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[kind][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return copyDocument(doc), nil
}

// Update applies a partial write, creating the document when update.Upsert is set.
func (s *MemoryStore) Update(_ context.Context, kind Kind, id string, update Update) error {
	s.writes.Add(1)

	s.mu.Lock()
	if err := s.faultLocked("update", kind, id); err != nil {
		s.mu.Unlock()
		return err
	}
	coll := s.collectionLocked(kind)
	now := s.now()
	doc, ok := coll[id]
	if !ok {
		if !update.Upsert {
			s.mu.Unlock()
			return ErrNotFound
		}
		doc = Document{ID: id, CreatedAt: now}
	}
	doc.Fields = applyUpdate(doc.Fields, update)
	doc.UpdatedAt = now
	coll[id] = doc
	s.mu.Unlock()

	s.notify(kind)
	return nil
}

// Delete removes the addressed document.
func (s *MemoryStore) Delete(_ context.Context, kind Kind, id string) error {
	s.writes.Add(1)

	s.mu.Lock()
	if err := s.faultLocked("delete", kind, id); err != nil {
		s.mu.Unlock()
		return err
	}
	coll := s.docs[kind]
	if _, ok := coll[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(coll, id)
	s.mu.Unlock()

	s.notify(kind)
	return nil
}

// Query returns every document of kind matching filters, oldest first.
func (s *MemoryStore) Query(_ context.Context, kind Kind, filters ...Filter) ([]Document, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryLocked(kind, filters), nil
}

// Subscribe registers a listener for target.
func (s *MemoryStore) Subscribe(ctx context.Context, target Target, onNext func([]Document), onError func(error)) (CancelFunc, error) {
	principal := PrincipalFromContext(ctx)

	sub := &memorySub{
		target:    target,
		principal: principal,
		onNext:    onNext,
		onError:   onError,
		signal:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}

	s.mu.Lock()
	if _, denied := s.revoked[principal]; denied && principal != "" {
		s.mu.Unlock()
		return nil, ErrPermissionDenied
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	sub.wake()
	go s.run(sub)

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.close()
			case <-sub.stop:
			}
		}()
	}

	return sub.close, nil
}

// Revoke withdraws access for principal. Open subscriptions owned by it
// receive ErrPermissionDenied and end; new ones are refused.
func (s *MemoryStore) Revoke(principal string) {
	s.mu.Lock()
	s.revoked[principal] = struct{}{}
	var affected []*memorySub
	for sub := range s.subs {
		if sub.principal == principal {
			affected = append(affected, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range affected {
		sub.revoked.Store(true)
		sub.wake()
	}
}

// Restore re-grants access previously withdrawn with Revoke.
func (s *MemoryStore) Restore(principal string) {
	s.mu.Lock()
	delete(s.revoked, principal)
	s.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (s *MemoryStore) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *MemoryStore) run(sub *memorySub) {
	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-sub.stop:
			return
		case <-sub.signal:
		}

		if sub.revoked.Load() {
			sub.close()
			if sub.onError != nil {
				sub.onError(ErrPermissionDenied)
			}
			return
		}

		docs := s.snapshot(sub.target)

		select {
		case <-sub.stop:
			return
		default:
		}
		if sub.onNext != nil {
			sub.onNext(docs)
		}
	}
}

func (s *MemoryStore) snapshot(target Target) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if target.IsRef() {
		doc, ok := s.docs[target.Kind][target.DocID]
		if !ok {
			return []Document{}
		}
		return []Document{copyDocument(doc)}
	}
	return s.queryLocked(target.Kind, target.Filters)
}

func (s *MemoryStore) notify(kind Kind) {
	s.mu.RLock()
	var affected []*memorySub
	for sub := range s.subs {
		if sub.target.Kind == kind {
			affected = append(affected, sub)
		}
	}
	s.mu.RUnlock()

	for _, sub := range affected {
		sub.wake()
	}
}

func (s *MemoryStore) queryLocked(kind Kind, filters []Filter) []Document {
	out := make([]Document, 0)
	for _, doc := range s.docs[kind] {
		if doc.Matches(filters) {
			out = append(out, copyDocument(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) collectionLocked(kind Kind) map[string]Document {
	coll, ok := s.docs[kind]
	if !ok {
		coll = make(map[string]Document)
		s.docs[kind] = coll
	}
	return coll
}

func (s *MemoryStore) conflictLocked(kind Kind, fields map[string]any) bool {
	keys, ok := s.unique[kind]
	if !ok || len(keys) == 0 {
		return false
	}
	candidate := Document{Fields: fields}
	filters := make([]Filter, 0, len(keys))
	for _, k := range keys {
		filters = append(filters, Eq(k, candidate.String(k)))
	}
	for _, doc := range s.docs[kind] {
		if doc.Matches(filters) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) faultLocked(op string, kind Kind, id string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op, kind, id)
}

func copyDocument(doc Document) Document {
	doc.Fields = cloneFields(doc.Fields)
	return doc
}

type memorySub struct {
	target    Target
	principal string
	onNext    func([]Document)
	onError   func(error)

	signal  chan struct{}
	stop    chan struct{}
	once    sync.Once
	revoked atomic.Bool
}

// wake marks the subscription dirty. Pending signals coalesce, so writers never block.
func (m *memorySub) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *memorySub) close() {
	m.once.Do(func() { close(m.stop) })
}

var _ Store = (*MemoryStore)(nil)
