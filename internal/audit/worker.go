package audit

import (
	"context"
	"log/slog"

	"visitorid/pkg/platform/circuit"
)

// Worker consumes audit events from a channel and persists them. Sink
// failures never stop the worker; a circuit breaker tracks sink health so an
// outage is logged once rather than per event.
type Worker struct {
	store   Store
	inbox   <-chan Event
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *Metrics
}

type WorkerOption func(*Worker)

func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithWorkerMetrics(m *Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

func WithBreaker(b *circuit.Breaker) WorkerOption {
	return func(w *Worker) {
		w.breaker = b
	}
}

func NewWorker(store Store, inbox <-chan Event, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:   store,
		inbox:   inbox,
		breaker: circuit.New("audit-sink"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run persists events until ctx is done or the inbox is closed and drained.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.inbox:
			if !ok {
				return nil
			}
			w.persist(ctx, event)
		}
	}
}

func (w *Worker) persist(ctx context.Context, event Event) {
	if err := w.store.Append(ctx, event); err != nil {
		w.metrics.incPersistFailure()
		_, change := w.breaker.RecordFailure()
		if change.Opened {
			w.metrics.setSinkOpen(true)
			w.logger.Warn("audit sink unhealthy", "breaker", w.breaker.Name(), "error", err)
		} else if !w.breaker.IsOpen() {
			w.logger.Debug("failed to persist audit event", "action", event.Action, "error", err)
		}
		return
	}
	if _, change := w.breaker.RecordSuccess(); change.Closed {
		w.metrics.setSinkOpen(false)
		w.logger.Info("audit sink recovered", "breaker", w.breaker.Name())
	}
}
