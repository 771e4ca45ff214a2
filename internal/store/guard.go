package store

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// maxReaders bounds concurrent readers; a writer takes every slot.
const maxReaders = 1 << 20

// guard is a single-writer, multi-reader gate. Waiters are served in FIFO
// order, so a pending writer holds back readers that arrive after it.
// Access is not re-entrant: fn must not call back into the guard.
type guard struct {
	sem *semaphore.Weighted
}

func newGuard() *guard {
	return &guard{sem: semaphore.NewWeighted(maxReaders)}
}

func (g *guard) readAccess(ctx context.Context, fn func() error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	return fn()
}

func (g *guard) writeAccess(ctx context.Context, fn func() error) error {
	if err := g.sem.Acquire(ctx, maxReaders); err != nil {
		return err
	}
	defer g.sem.Release(maxReaders)
	return fn()
}
