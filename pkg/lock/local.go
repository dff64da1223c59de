package lock

import (
	"context"
	"fmt"
	"sync"
)

// Local is an in-process Locker. It only serializes callers sharing the same
// instance.
type Local struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*localEntry)}
}

// Acquire blocks until every key is held or ctx ends.
func (l *Local) Acquire(ctx context.Context, keys ...string) (Release, error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))

	for _, key := range keys {
		entry := l.ref(key)

		select {
		case entry.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.unref(key)
			l.release(held)

			return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
		}
	}

	return func(context.Context) error {
		l.release(held)

		return nil
	}, nil
}

func (l *Local) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[key]
	if !ok {
		entry = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}

	entry.refs++

	return entry
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.locks[key]

	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *Local) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		entry := l.locks[keys[i]]
		l.mu.Unlock()

		<-entry.ch

		l.unref(keys[i])
	}
}
