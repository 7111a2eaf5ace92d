package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"
)

// LoopFunc is a single iteration of a Loop. Returning done stops the loop; errors are logged and
// the loop carries on.
type LoopFunc func(ctx context.Context) (done bool, err error)

// Loop runs a function at a fixed interval on its own goroutine. It can be started and stopped
// any number of times; starting a running loop is a no-op.
type Loop struct {
	name      string
	interval  time.Duration
	immediate bool
	fn        LoopFunc

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewLoop creates a Loop. When immediate is set the first iteration runs right after Start,
// otherwise it runs after the first interval.
func NewLoop(name string, interval time.Duration, immediate bool, fn LoopFunc) *Loop {
	return &Loop{
		name:      name,
		interval:  interval,
		immediate: immediate,
		fn:        fn,
	}
}

func (l *Loop) Name() string {
	return l.name
}

// Start starts the loop. It returns false if it was already running.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return false
	}

	l.generation++
	generation := l.generation
	ctx, l.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	l.done = done

	go func() {
		defer close(done)
		defer l.finished(generation)
		l.run(ctx)
	}()

	return true
}

func (l *Loop) finished(generation uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.generation != generation || l.cancel == nil {
		return
	}
	l.cancel()
	l.cancel = nil
}

func (l *Loop) iterate(ctx context.Context) (done bool) {
	logger := log.MustLogger(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic", "recovered", r, "stack", string(debug.Stack()))
			done = false
		}
	}()
	done, err := l.fn(ctx)
	if err != nil {
		logger.Warn("Iteration failed", "err", err)
	}
	return done
}

func (l *Loop) run(ctx context.Context) {
	ctx, logger := log.MustWithGroup(ctx, l.name)
	logger.Debug("Starting", "interval", l.interval)
	defer logger.Debug("Stopped")

	if l.immediate {
		if l.iterate(ctx) {
			return
		}
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if l.iterate(ctx) {
				return
			}
		}
	}
}

// Stop signals the loop to stop and returns without waiting for it. It is safe to call Stop
// from within the loop function itself.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.cancel = nil
}

// Running reports whether the loop is started and not yet stopped.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Wait blocks until the most recently started run returns, or ctx is done.
func (l *Loop) Wait(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker: %s: wait: %w", l.name, ctx.Err())
	}
}
