package resolver

import (
	"visitorid/internal/fieldstore"
	"visitorid/internal/transport"
	"visitorid/pkg/platform/urlutil"
)

// request is a backend call target for one field group.
type request struct {
	scriptURL     string
	corsURL       string
	callbackParam string
}

func (q request) empty() bool {
	return q.scriptURL == "" && q.corsURL == ""
}

// getRemoteField returns the value of field, fetching its group from the
// backend when the stored value is missing or expired. When the value is
// not ready cb is registered and "" is returned. force calls cb even when a
// value is returned synchronously.
func (r *Resolver) getRemoteField(field fieldstore.Field, req request, cb Callback, force bool) string {
	if !r.Allowed() {
		return r.settleEmpty(cb, force)
	}
	r.readVisitor()

	raw, _ := r.store.Get(field, r.nonBlocking(field))
	firstParty := r.firstPartySecondaryCall(field)

	if r.visitor.DisableThirdPartyCalls && raw == "" {
		switch {
		case field == r.fields.core:
			raw = r.generateCoreID()
			r.SetCoreID(raw)
		case field == r.fields.secondary && !firstParty:
			r.SetSecondaryID("")
		}
	}

	callServer := (raw == "" || r.store.Expired(field)) &&
		(!r.visitor.DisableThirdPartyCalls || firstParty)

	if group := r.groupOf(field); callServer && group != "" {
		if !req.empty() && !r.pending[group] {
			r.pending[group] = true
			r.load(group, field, req)
		}
		if raw != "" {
			return r.display(field, raw)
		}
		r.register(field, cb)
		if req.empty() {
			// Nothing to call: settle the group so waiters are released.
			r.apply(group, Response{Data: map[string]any{"id": fieldstore.ValueNone}}, false)
		}
		return ""
	}

	r.metrics.incCacheHit(r.groupOf(field))
	if v := valueOf(raw, raw != ""); v.kind == kindNone && r.isIDField(field) {
		raw = ""
		force = true
	}
	if cb != nil && (force || r.visitor.DisableThirdPartyCalls) {
		r.call(cb, raw)
	}
	return raw
}

func (r *Resolver) isIDField(field fieldstore.Field) bool {
	return field == r.fields.core || field == r.fields.secondary
}

// display hides the confirmed-absent marker of ID fields.
func (r *Resolver) display(field fieldstore.Field, raw string) string {
	if r.isIDField(field) {
		return valueOf(raw, true).String()
	}
	return raw
}

// load issues the backend call for group.
func (r *Resolver) load(group Group, field fieldstore.Field, req request) {
	r.state.called[group] = true
	r.metrics.incBackendCall(group)

	call := transport.Call{
		Group:         string(group),
		CallbackParam: req.callbackParam,
		Stale: func() bool {
			_, ok := r.store.Get(field, false)
			return ok
		},
	}
	if req.scriptURL != "" {
		call.ScriptURL = urlutil.AddQueryParam(req.scriptURL, "d_fieldgroup", string(group), 1)
	}
	if req.corsURL != "" {
		call.CORSURL = urlutil.AddQueryParam(req.corsURL, "d_fieldgroup", string(group), 1)
	}

	r.logger.Debug("requesting field group", "group", group, "field", field)
	r.fetcher.Fetch(r.ctx, call, transport.Completion{
		OnSuccess: func(payload map[string]any) {
			r.readVisitor()
			r.apply(group, Response{Data: payload}, false)
		},
		OnFailure: func(err *transport.CallError) {
			r.loadFailed(group, field, err)
		},
	})
}

// loadFailed resolves group with a synthesized value unless field was
// resolved some other way in the meantime.
func (r *Resolver) loadFailed(group Group, field fieldstore.Field, err *transport.CallError) {
	if _, ok := r.store.Get(field, false); ok {
		return
	}
	timedOut := err != nil && err.Category == transport.CategoryTimeout
	if timedOut {
		r.state.settle(group, true)
	}

	category := string(transport.CategoryTransport)
	if err != nil {
		category = string(err.Category)
	}
	r.metrics.incFallback(group, category)
	r.logger.Info("field group resolved locally", "group", group, "field", field, "error", err)

	var fallback Response
	switch {
	case field == r.fields.core:
		fallback = Response{ID: r.generateCoreID()}
	case group == GroupSegment:
		// Object with an error so segment data is retried on the next load.
		fallback = Response{Data: map[string]any{"error_msg": "timeout"}}
	}
	r.apply(group, fallback, false)

	// Fields the fallback cannot speak for still get their callback. A core
	// ID handed to the first-party server is still on its way.
	for _, f := range r.groupFields(group) {
		if len(r.callbacks[f]) == 0 {
			continue
		}
		v, ok := r.store.Get(f, false)
		if f == r.fields.core && !ok && r.use1stPartyCoreServer {
			continue
		}
		r.fire(f, r.display(f, v))
	}
}
