// Package serial runs work for the same key one at a time.
package serial

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
)

// Locks hands out one lock per key. Ticks and aggregate persists of a channel
// share its lock, so they never interleave.
type Locks struct {
	m *xsync.Map[string, chan struct{}]
}

func New() *Locks {
	return &Locks{m: xsync.NewMap[string, chan struct{}]()}
}

func (l *Locks) lock(key string) chan struct{} {
	sem, _ := l.m.LoadOrCompute(key, func() (chan struct{}, bool) {
		return make(chan struct{}, 1), false
	})
	return sem
}

// Do runs fn while holding key's lock. It gives up with ctx.Err() if ctx is
// done before the lock is acquired.
func (l *Locks) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	sem := l.lock(key)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()
	return fn(ctx)
}
