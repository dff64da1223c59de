// Package lock serializes structural mutations per flow tree.
package lock

import (
	"context"
	"errors"
	"slices"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// context ended.
var ErrNotAcquired = errors.New("lock not acquired")

// Release frees every key taken by one Acquire call.
type Release func(ctx context.Context) error

// Locker takes exclusive locks on a set of keys. Keys are always acquired in
// sorted order so two callers locking overlapping sets cannot deadlock.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (Release, error)
}

// TreeKey is the lock key guarding the tree rooted at rootFlowID.
func TreeKey(rootFlowID string) string {
	return "tree:" + rootFlowID
}

func normalize(keys []string) []string {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)

	return slices.Compact(sorted)
}
