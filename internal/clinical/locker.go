package clinical

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// KeyedLocker implements Locker with one in-process lease per medication.
// Waiters block on the lease channel until the holder releases or their
// context expires, so N concurrent issuances against one medication drain in
// acquisition order while other medications stay uncontended. Used by tests
// and single-process deployments; multi-instance deployments use the Redis
// locker.
type KeyedLocker struct {
	mu     sync.Mutex
	leases map[uuid.UUID]*lease
}

// lease is reference-counted so the map entry is dropped once the last
// holder or waiter for a medication is gone, keeping the map bounded by the
// number of medications currently contended rather than ever seen.
type lease struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{leases: make(map[uuid.UUID]*lease)}
}

func (l *KeyedLocker) leaseFor(id uuid.UUID) *lease {
	l.mu.Lock()
	defer l.mu.Unlock()

	le, ok := l.leases[id]
	if !ok {
		le = &lease{ch: make(chan struct{}, 1)}
		l.leases[id] = le
	}
	le.refs++
	return le
}

func (l *KeyedLocker) unref(id uuid.UUID, le *lease) {
	l.mu.Lock()
	defer l.mu.Unlock()

	le.refs--
	if le.refs == 0 {
		delete(l.leases, id)
	}
}

func (l *KeyedLocker) WithMedicationLock(ctx context.Context, medicationID uuid.UUID, fn func(ctx context.Context) error) error {
	le := l.leaseFor(medicationID)
	defer l.unref(medicationID, le)

	select {
	case le.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire medication lock: %w", ctx.Err())
	}
	defer func() { <-le.ch }()

	return fn(ctx)
}
