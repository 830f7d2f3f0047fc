package idsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"visitorid/internal/platform/eventloop"
	"visitorid/internal/platform/tracing"
)

const defaultPixelTimeout = 10 * time.Second

// PixelFirer requests an image pixel. onLoad runs on the scheduler once the
// pixel loaded; failed pixels are dropped.
type PixelFirer interface {
	Fire(ctx context.Context, url string, onLoad func())
}

// HTTPPixelFirer fires pixels as plain GET requests.
type HTTPPixelFirer struct {
	client  *http.Client
	sched   eventloop.Scheduler
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

type PixelOption func(*HTTPPixelFirer)

func WithPixelClient(client *http.Client) PixelOption {
	return func(p *HTTPPixelFirer) {
		p.client = client
	}
}

func WithPixelTimeout(d time.Duration) PixelOption {
	return func(p *HTTPPixelFirer) {
		p.timeout = d
	}
}

func WithPixelLogger(logger *slog.Logger) PixelOption {
	return func(p *HTTPPixelFirer) {
		p.logger = logger
	}
}

func NewHTTPPixelFirer(sched eventloop.Scheduler, opts ...PixelOption) *HTTPPixelFirer {
	p := &HTTPPixelFirer{
		client:  http.DefaultClient,
		sched:   sched,
		timeout: defaultPixelTimeout,
		logger:  slog.Default(),
		tracer:  tracing.Tracer("idsync"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPPixelFirer) Fire(ctx context.Context, url string, onLoad func()) {
	ctx, span := p.tracer.Start(ctx, "visitorid.idsync.pixel",
		trace.WithAttributes(attribute.String("url.full", url)))
	go func() {
		defer span.End()
		reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		if err := p.get(reqCtx, url); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pixel failed")
			p.logger.Debug("sync pixel failed", "url", url, "error", err)
			return
		}
		if onLoad != nil {
			p.sched.Post(onLoad)
		}
	}()
}

func (p *HTTPPixelFirer) get(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build pixel request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pixel request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("pixel status %d", resp.StatusCode)
	}
	return nil
}
