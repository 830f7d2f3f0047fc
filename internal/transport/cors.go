package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"visitorid/internal/platform/eventloop"
	"visitorid/internal/platform/tracing"
	"visitorid/pkg/platform/urlutil"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20
)

type options struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

type Option func(*options)

// WithHTTPClient overrides the client. The default client keeps a cookie
// jar so backend cookies ride along like credentialed browser requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithTimeout sets the load timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func newOptions(opts []Option) options {
	o := options{
		timeout: defaultTimeout,
		logger:  slog.Default(),
		tracer:  tracing.Tracer("transport"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		jar, _ := cookiejar.New(nil)
		o.client = &http.Client{Jar: jar}
	}
	return o
}

// CORSTransport fetches a field group as a JSON object.
type CORSTransport struct {
	options
	sched eventloop.Scheduler
}

func NewCORS(sched eventloop.Scheduler, opts ...Option) *CORSTransport {
	return &CORSTransport{options: newOptions(opts), sched: sched}
}

// Fetch requests call.CORSURL with a ts cache-buster. The timeout is armed
// on the scheduler and the completion runs there, exactly once.
func (t *CORSTransport) Fetch(ctx context.Context, call Call, done Completion) {
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "visitorid.backend.cors",
		trace.WithAttributes(attribute.String("visitorid.field_group", call.Group)))

	settled := false
	settle := func(payload map[string]any, err *CallError) {
		if settled {
			return
		}
		settled = true
		t.metrics.ObserveCall(call.Group, MechanismCORS, outcomeOf(err), start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(err.Category))
		}
		span.End()
		if err != nil {
			done.OnFailure(err)
			return
		}
		done.OnSuccess(payload)
	}

	if call.CORSURL == "" {
		err := newCallError(CategoryTransport, MechanismCORS, call, "no CORS URL", ErrNoURL)
		t.sched.Post(func() { settle(nil, err) })
		return
	}
	target := urlutil.AddQueryParam(call.CORSURL, "ts", strconv.FormatInt(t.sched.Now().UnixMilli(), 10), -1)

	reqCtx, cancel := context.WithCancel(ctx)
	timer := t.sched.AfterFunc(t.timeout, func() {
		cancel()
		settle(nil, newCallError(CategoryTimeout, MechanismCORS, call, "load timeout", nil))
	})

	go func() {
		defer cancel()
		payload, err := t.get(reqCtx, target, call)
		t.sched.Post(func() {
			timer.Stop()
			settle(payload, err)
		})
	}()
}

func (t *CORSTransport) get(ctx context.Context, target string, call Call) (map[string]any, *CallError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, newCallError(CategoryTransport, MechanismCORS, call, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newCallError(CategoryTimeout, MechanismCORS, call, "load timeout", err)
		}
		return nil, newCallError(CategoryTransport, MechanismCORS, call, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newCallError(CategoryTimeout, MechanismCORS, call, "load timeout", err)
		}
		return nil, newCallError(CategoryTransport, MechanismCORS, call, "read body", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newCallError(CategoryTransport, MechanismCORS, call,
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, newCallError(CategoryBadData, MechanismCORS, call, "invalid JSON", err)
	}
	payload, ok := decoded.(map[string]any)
	if !ok {
		return nil, newCallError(CategoryBadData, MechanismCORS, call, "response is not a JSON object", nil)
	}
	return payload, nil
}
