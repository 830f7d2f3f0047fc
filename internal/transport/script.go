package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/dop251/goja"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"visitorid/internal/platform/eventloop"
	"visitorid/pkg/platform/urlutil"
)

// ScriptTransport fetches a field group as a callback script: the response
// is a script that invokes the token it was given with a JSON object. The
// script is evaluated off the scheduler in an isolated goja runtime where the
// token is bound to the waiting handler. A timer armed per group reports a
// timeout when the script never calls back, and the same budget interrupts a
// script that never finishes.
type ScriptTransport struct {
	options
	sched     eventloop.Scheduler
	callbacks *CallbackTable
	pending   map[string]pendingScript
}

type pendingScript struct {
	token string
	timer eventloop.Timer
}

func NewScript(sched eventloop.Scheduler, callbacks *CallbackTable, opts ...Option) *ScriptTransport {
	if callbacks == nil {
		callbacks = NewCallbackTable()
	}
	return &ScriptTransport{
		options:   newOptions(opts),
		sched:     sched,
		callbacks: callbacks,
		pending:   make(map[string]pendingScript),
	}
}

// Fetch must be called on the scheduler goroutine.
func (t *ScriptTransport) Fetch(ctx context.Context, call Call, done Completion) {
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "visitorid.backend.script",
		trace.WithAttributes(attribute.String("visitorid.field_group", call.Group)))

	settled := false
	settle := func(err *CallError) bool {
		if settled {
			return false
		}
		settled = true
		t.metrics.ObserveCall(call.Group, MechanismScript, outcomeOf(err), start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(err.Category))
		}
		span.End()
		return true
	}
	fail := func(err *CallError) {
		if settle(err) {
			done.OnFailure(err)
		}
	}

	if call.ScriptURL == "" {
		fail(newCallError(CategoryTransport, MechanismScript, call, "no script URL", ErrNoURL))
		return
	}

	var token string
	token = t.callbacks.Register(func(payload map[string]any) {
		t.release(call.Group, token)
		if settle(nil) {
			done.OnSuccess(payload)
		}
	})

	// An earlier call for the group keeps its own timer and token.
	timer := t.sched.AfterFunc(t.timeout, func() {
		t.release(call.Group, token)
		fail(newCallError(CategoryTimeout, MechanismScript, call, "callback never invoked", nil))
	})
	t.pending[call.Group] = pendingScript{token: token, timer: timer}

	param := call.CallbackParam
	if param == "" {
		param = "callback"
	}
	target := urlutil.AddQueryParam(call.ScriptURL, param, token, -1)

	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		body, err := t.load(reqCtx, target)
		if err != nil {
			// Like a failed script tag: nothing calls back and the timer decides.
			t.logger.Debug("script load failed", "group", call.Group, "error", err)
			return
		}
		if _, ok := t.callbacks.Resolve(token); !ok {
			return
		}
		payload, called, err := t.evaluate(token, body)
		var interrupted *goja.InterruptedError
		switch {
		case called:
			t.sched.Post(func() {
				if handler, ok := t.callbacks.Resolve(token); ok {
					handler(payload)
				}
			})
		case errors.As(err, &interrupted):
			t.sched.Post(func() {
				t.release(call.Group, token)
				fail(newCallError(CategoryTimeout, MechanismScript, call, "script did not finish", err))
			})
		case err != nil:
			t.logger.Debug("script evaluation failed", "group", call.Group, "error", err)
		}
	}()
}

// Cancel clears the pending timeout for group once it resolved another way
// and releases its callback token.
func (t *ScriptTransport) Cancel(group string) {
	p, ok := t.pending[group]
	if !ok {
		return
	}
	p.timer.Stop()
	t.callbacks.Release(p.token)
	delete(t.pending, group)
}

// release ends the call owning token. A newer call for the same group keeps
// its timer.
func (t *ScriptTransport) release(group, token string) {
	t.callbacks.Release(token)
	if p, ok := t.pending[group]; ok && p.token == token {
		p.timer.Stop()
		delete(t.pending, group)
	}
}

func (t *ScriptTransport) load(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &CallError{Category: CategoryTransport, Mechanism: MechanismScript, Message: resp.Status}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// evaluate runs body with token bound to a function that captures the first
// object it is called with. The runtime is interrupted once the load timeout
// elapses. A script that fails after calling back still delivers its payload.
func (t *ScriptTransport) evaluate(token, body string) (map[string]any, bool, error) {
	vm := goja.New()
	var payload map[string]any
	called := false
	err := vm.Set(token, func(fc goja.FunctionCall) goja.Value {
		if called {
			return goja.Undefined()
		}
		if m, ok := fc.Argument(0).Export().(map[string]any); ok {
			payload = m
			called = true
		}
		return goja.Undefined()
	})
	if err != nil {
		return nil, false, err
	}

	stop := time.AfterFunc(t.timeout, func() { vm.Interrupt("timeout") })
	defer stop.Stop()
	_, err = vm.RunString(body)
	return payload, called, err
}
