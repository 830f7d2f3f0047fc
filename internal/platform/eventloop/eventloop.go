package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Do once the loop has stopped accepting work.
var ErrClosed = errors.New("event loop closed")

// Timer is a cancellable delayed task.
type Timer interface {
	// Stop prevents the task from running. It reports whether the call
	// cancelled a task that had not yet run.
	Stop() bool
}

// Scheduler runs tasks one at a time. Everything posted to a Scheduler
// observes state mutated by earlier tasks without further locking.
type Scheduler interface {
	Now() time.Time
	Post(task func())
	AfterFunc(d time.Duration, task func()) Timer
}

// Loop is a Scheduler backed by a single goroutine. Post is safe from any
// goroutine and never blocks.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

type Option func(*Loop)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// New constructs a Loop. Call Run to start processing tasks.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

func (l *Loop) Post(task func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) AfterFunc(d time.Duration, task func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.cancelled.Load() {
				return
			}
			t.fired.Store(true)
			task()
		})
	})
	return t
}

// Run processes tasks until ctx is done or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, task := range batch {
			l.run(task)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case <-l.stop:
			l.shutdown()
			return nil
		case <-l.wake:
		}
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from a task running on the same loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.mu.Unlock()

	l.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// Close stops the loop. Tasks still queued are dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.stop)
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", "panic", r)
		}
	}()
	task()
}

type loopTimer struct {
	timer     *time.Timer
	cancelled atomic.Bool
	fired     atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.timer.Stop()
	if t.fired.Load() {
		return false
	}
	// The timer may already have queued the task; the flag keeps it from running.
	return !t.cancelled.Swap(true)
}
