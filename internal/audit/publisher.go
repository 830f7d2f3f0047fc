package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"visitorid/pkg/platform/sentinel"
)

const defaultBufferSize = 1024

// Publisher accepts sync audit events without blocking the caller. Events
// are buffered for a Worker to persist; when the buffer is full they are
// dropped, since sync delivery itself is best-effort.
type Publisher struct {
	mu     sync.RWMutex
	closed bool
	inbox  chan Event

	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

func WithBufferSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.inbox = make(chan Event, n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

func NewPublisher(opts ...Option) *Publisher {
	p := &Publisher{
		inbox:  make(chan Event, defaultBufferSize),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit stamps event and buffers it. It returns sentinel.ErrUnavailable when
// the event was dropped.
func (p *Publisher) Emit(_ context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.incDropped()
		return fmt.Errorf("audit publisher closed: %w", sentinel.ErrUnavailable)
	}
	select {
	case p.inbox <- event:
		p.metrics.incEmitted(event.Action)
		return nil
	default:
		p.metrics.incDropped()
		p.logger.Warn("audit buffer full, dropping event", "action", event.Action, "provider_id", event.ProviderID)
		return fmt.Errorf("audit buffer full: %w", sentinel.ErrUnavailable)
	}
}

// Inbox is drained by a Worker. It is closed by Close.
func (p *Publisher) Inbox() <-chan Event {
	return p.inbox
}

// Close stops accepting events. Buffered events remain readable.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
}
