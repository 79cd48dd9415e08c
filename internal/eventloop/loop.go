// Package eventloop runs every handler, timer callback and async continuation
// on one goroutine, so component state needs no locks.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrStopped = errors.New("event loop stopped")

// Timer is a pending one-shot callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer, false if it already ran or was stopped.
	Stop() bool
}

// Scheduler is what components depend on. All callbacks run serialized.
type Scheduler interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
	// Go runs work off the loop; the continuation it returns, if any, is
	// posted back to the loop.
	Go(work func(ctx context.Context) func())
	Now() time.Time
}

type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	log    *slog.Logger
}

func New(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    log,
	}
}

// Run processes posted tasks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	defer l.cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.ctx.Done():
			return
		case <-l.wake:
		}
		for {
			fn := l.pop()
			if fn == nil {
				break
			}
			l.run(fn)
		}
	}
}

func (l *Loop) Stop() {
	l.cancel()
	l.wg.Wait()
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) pop() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}

func (l *Loop) run(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.log.Error("event loop task panicked", "panic", rec)
		}
	}()
	fn()
}

func (l *Loop) Post(fn func()) {
	if l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrStopped
	}
}

func (l *Loop) Go(work func(ctx context.Context) func()) {
	if l.ctx.Err() != nil {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if next := work(l.ctx); next != nil {
			l.Post(next)
		}
	}()
}

func (l *Loop) Now() time.Time { return time.Now() }

type loopTimer struct {
	t    *time.Timer
	done atomic.Bool
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.done.Swap(true) {
				return
			}
			fn()
		})
	})
	return lt
}

func (lt *loopTimer) Stop() bool {
	lt.t.Stop()
	return !lt.done.Swap(true)
}
