package lifecycle

import (
	"context"
	"sync"
)

// leases is the per-project single-flight. Distinct ids never contend.
type leases struct {
	mu   sync.Mutex
	held map[string]*lease
}

type lease struct {
	slot chan struct{}
	refs int
}

func newLeases() *leases {
	return &leases{held: make(map[string]*lease)}
}

// TryAcquire takes the lease only if nobody holds it.
func (l *leases) TryAcquire(id string) (func(), bool) {
	entry := l.ref(id)
	select {
	case entry.slot <- struct{}{}:
		return l.releaser(id, entry), true
	default:
		l.unref(id, entry)
		return nil, false
	}
}

// Acquire blocks until the lease is free or ctx is done.
func (l *leases) Acquire(ctx context.Context, id string) (func(), error) {
	entry := l.ref(id)
	select {
	case entry.slot <- struct{}{}:
		return l.releaser(id, entry), nil
	case <-ctx.Done():
		l.unref(id, entry)
		return nil, ctx.Err()
	}
}

func (l *leases) releaser(id string, entry *lease) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.slot
			l.unref(id, entry)
		})
	}
}

func (l *leases) ref(id string) *lease {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.held[id]
	if !ok {
		entry = &lease{slot: make(chan struct{}, 1)}
		l.held[id] = entry
	}
	entry.refs++
	return entry
}

func (l *leases) unref(id string, entry *lease) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.held, id)
	}
}
