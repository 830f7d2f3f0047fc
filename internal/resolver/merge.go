package resolver

import (
	"strings"
	"time"

	"visitorid/internal/fieldstore"
)

const (
	defaultSegmentTTL = 604800 * time.Second
	defaultOptOutTTL  = 7200 * time.Second

	expireNow = -time.Second
)

// Apply merges a field group response into the store and calls back every
// waiter of the group's fields.
func (r *Resolver) Apply(group Group, resp Response) {
	r.readVisitor()
	r.apply(group, resp, false)
}

// apply merges resp. Nested merges are fragments of another group's
// response and leave sync and opt-out handling to the outer merge.
func (r *Resolver) apply(group Group, resp Response, nested bool) {
	if r.fetcher != nil {
		r.fetcher.Cancel(string(group))
	}
	r.pending[group] = false
	if r.state.called[group] {
		r.state.settle(group, false)
	}

	switch group {
	case GroupCore:
		if !r.applyCore(resp) {
			return
		}
	case GroupSegment:
		r.applySegment(resp)
	case GroupSecondary:
		r.applySecondary(resp)
	}

	if nested || !resp.isObject() {
		return
	}
	if !r.sync.DisableSyncs && r.syncs != nil {
		r.syncs.ProcessIDCallData(resp.Data)
	}
	r.applyOptOut(resp.Data)
}

// applyCore reports false when resolution moved to the first-party
// analytics call instead.
func (r *Resolver) applyCore(resp Response) bool {
	if !r.state.clientSideCore.known {
		r.state.clientSideCore = tristate{known: true, value: false}
	}

	id, _ := r.store.Get(r.fields.core, false)
	if id == "" || r.visitor.OverwriteCrossDomainIDs {
		if mid := text(resp.Data, "mid"); resp.isObject() && mid != "" {
			id = mid
		} else {
			id = findVisitorID(resp)
		}
		if id == "" {
			if r.use1stPartyCoreServer {
				r.secondaryID(nil, false, true)
				return false
			}
			id = r.generateCoreID()
		}
		r.store.Set(r.fields.core, id)
	}

	if resp.isObject() {
		d := resp.Data
		if text(d, "d_region") != "" || text(d, "dcs_region") != "" || text(d, "d_blob") != "" || text(d, "blob") != "" {
			r.apply(GroupSegment, resp, true)
		}
		if r.use1stPartyCoreServer && text(d, "mid") != "" {
			r.apply(GroupSecondary, Response{Data: map[string]any{"id": d["id"]}}, true)
		}
	}

	r.fire(r.fields.core, valueOf(id, true).String())
	return true
}

func (r *Resolver) applySegment(resp Response) {
	if !resp.isObject() {
		return
	}
	d := resp.Data

	ttl := defaultSegmentTTL
	if n, ok := integer(d, "id_sync_ttl"); ok && n != 0 {
		ttl = time.Duration(n) * time.Second
	}

	hint, _ := r.store.Get(r.fields.locationHint, false)
	if hint == "" {
		hint = text(d, "d_region")
		if hint == "" {
			hint = text(d, "dcs_region")
		}
		if hint != "" {
			r.store.SetExpiry(r.fields.locationHint, ttl, false)
			r.store.Set(r.fields.locationHint, hint)
		}
	}
	r.fire(r.fields.locationHint, hint)

	blob, _ := r.store.Get(r.fields.blob, false)
	if fresh := firstText(d, "d_blob", "blob"); fresh != "" {
		blob = fresh
		r.store.SetExpiry(r.fields.blob, ttl, false)
		r.store.Set(r.fields.blob, blob)
	}
	r.fire(r.fields.blob, blob)

	// The segment call doubles as the customer ID mapping call.
	if text(d, "error_msg") == "" && r.newHash != "" {
		r.store.Set(r.fields.customerIDHash, r.newHash)
		r.hashChanged = false
	}
}

func (r *Resolver) applySecondary(resp Response) {
	id, _ := r.store.Get(r.fields.secondary, false)
	if id == "" || r.visitor.OverwriteCrossDomainIDs {
		id = findVisitorID(resp)
		if id == "" {
			id = fieldstore.ValueNone
		} else if id != fieldstore.ValueNone {
			// Segment data belongs to the joined identity.
			r.store.SetExpiry(r.fields.blob, expireNow, false)
		}
		r.store.Set(r.fields.secondary, id)
	}
	r.fire(r.fields.secondary, valueOf(id, true).String())
}

func (r *Resolver) applyOptOut(d map[string]any) {
	optOut := ""
	if r.Allowed() {
		optOut, _ = r.store.Get(r.fields.optOut, false)
	}
	if optOut == "" {
		optOut = fieldstore.ValueNone
		if list, ok := stringList(d, "d_optout"); ok && len(list) > 0 {
			optOut = strings.Join(list, ",")
		}
		ttl := defaultOptOutTTL
		if n, ok := integer(d, "d_ottl"); ok {
			ttl = time.Duration(n) * time.Second
		}
		r.store.SetExpiry(r.fields.optOut, ttl, true)
		r.store.Set(r.fields.optOut, optOut)
	}
	r.fire(r.fields.optOut, optOut)
}

func firstText(d map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := text(d, k); v != "" {
			return v
		}
	}
	return ""
}

// fire calls and clears every callback waiting on field.
func (r *Resolver) fire(field fieldstore.Field, v string) {
	waiting := r.callbacks[field]
	delete(r.callbacks, field)
	for _, cb := range waiting {
		r.call(cb, v)
	}
}

func (r *Resolver) call(cb Callback, v string) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("visitor callback panicked", "panic", p)
		}
	}()
	cb(v)
}

func (r *Resolver) register(field fieldstore.Field, cb Callback) {
	if cb != nil {
		r.callbacks[field] = append(r.callbacks[field], cb)
	}
}
