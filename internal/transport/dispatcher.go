package transport

import (
	"context"
	"log/slog"
)

// Dispatcher picks the mechanism for each call. CORS is preferred when the
// client supports it and a CORS URL exists; a CORS failure other than a
// timeout is retried through the script mechanism unless CORS-only mode is on.
type Dispatcher struct {
	cors     Fetcher
	script   *ScriptTransport
	caps     Capabilities
	corsOnly bool
	logger   *slog.Logger
	metrics  *Metrics
}

type DispatcherOption func(*Dispatcher)

func WithCORSOnly(corsOnly bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.corsOnly = corsOnly
	}
}

func WithCapabilities(caps Capabilities) DispatcherOption {
	return func(d *Dispatcher) {
		d.caps = caps
	}
}

func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher combines a CORS fetcher and a script transport. Either may
// be nil.
func NewDispatcher(cors Fetcher, script *ScriptTransport, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		cors:   cors,
		script: script,
		caps:   FullCapabilities,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch must be called on the scheduler goroutine.
func (d *Dispatcher) Fetch(ctx context.Context, call Call, done Completion) {
	if d.cors != nil && d.caps.CORS && call.CORSURL != "" {
		d.cors.Fetch(ctx, call, Completion{
			OnSuccess: done.OnSuccess,
			OnFailure: func(err *CallError) {
				if d.shouldRetry(call, err) {
					d.metrics.IncrementFallback()
					d.logger.Debug("retrying backend call via script", "group", call.Group, "error", err)
					d.script.Fetch(ctx, call, done)
					return
				}
				done.OnFailure(err)
			},
		})
		return
	}

	if d.script == nil || d.corsOnly {
		done.OnFailure(newCallError(CategoryTransport, MechanismCORS, call, "CORS unavailable", ErrNoMechanism))
		return
	}
	d.script.Fetch(ctx, call, done)
}

// Cancel clears a pending script timeout for group.
func (d *Dispatcher) Cancel(group string) {
	if d.script != nil {
		d.script.Cancel(group)
	}
}

func (d *Dispatcher) shouldRetry(call Call, err *CallError) bool {
	if err.Category == CategoryTimeout || d.corsOnly || d.script == nil {
		return false
	}
	return call.Stale == nil || !call.Stale()
}
