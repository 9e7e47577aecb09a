package relationships

import (
	"context"
	"hash/fnv"
)

// PairLocker serializes operations on the same unordered user pair.
type PairLocker interface {
	// Lock blocks until the pair is held or ctx ends. The returned release
	// function must be called exactly once.
	Lock(ctx context.Context, pair Pair) (release func(), err error)
}

const defaultLockStripes = 256

// LocalLocker arbitrates pairs inside one process using a fixed set of
// striped locks. Distinct pairs may share a stripe.
type LocalLocker struct {
	stripes []chan struct{}
}

// NewLocalLocker creates a locker with n stripes (256 when n <= 0).
func NewLocalLocker(n int) *LocalLocker {
	if n <= 0 {
		n = defaultLockStripes
	}
	stripes := make([]chan struct{}, n)
	for i := range stripes {
		stripes[i] = make(chan struct{}, 1)
	}
	return &LocalLocker{stripes: stripes}
}

// Lock implements PairLocker.
func (l *LocalLocker) Lock(ctx context.Context, pair Pair) (func(), error) {
	stripe := l.stripes[l.index(pair)]
	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) index(pair Pair) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pair.Key()))
	return int(h.Sum32() % uint32(len(l.stripes)))
}

var _ PairLocker = (*LocalLocker)(nil)
