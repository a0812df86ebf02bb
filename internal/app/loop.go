// Package app holds the session state of one participant: the control loop it
// runs on, the host's viewer table, the roster and the event log.
package app

import (
	"context"
	"errors"
	"sync"
)

var ErrLoopStopped = errors.New("loop stopped")

// Loop runs posted functions one at a time on a single goroutine. Everything
// touching ViewerRegistry or Roster goes through it, so those need no locks.
// Post never blocks, which makes it safe to call from the loop itself.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn. It reports false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it. Calling Do from the loop deadlocks.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() { fn(); close(ran) }) {
		return ErrLoopStopped
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted functions until ctx ends. Work still queued at that
// point is dropped. Run must be called once.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Done is closed after Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }
