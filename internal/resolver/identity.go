package resolver

import (
	"strconv"
	"strings"

	"visitorid/internal/platform/config"
	"visitorid/pkg/platform/urlutil"
)

// OptOutGlobal is the opt-out value for a visitor opted out everywhere.
const OptOutGlobal = "global"

// CoreID returns the core visitor ID, or "" while it is being fetched, in
// which case cb is called once it resolves.
func (r *Resolver) CoreID(cb Callback, force bool) string {
	if !r.Allowed() {
		return r.settleEmpty(cb, force)
	}
	if s := r.visitor.MarketingCloudServer; s != "" && !strings.Contains(s, ".demdex.net") {
		r.use1stPartyCoreServer = true
	}
	return r.getRemoteField(r.fields.core, r.segmentRequest(), cb, force)
}

// SetCoreID merges id as if the backend had returned it.
func (r *Resolver) SetCoreID(id string) {
	r.readVisitor()
	r.apply(GroupCore, Response{ID: id}, false)
}

// SecondaryID returns the tracking visitor ID. It waits for the core ID first.
func (r *Resolver) SecondaryID(cb Callback, force bool) string {
	return r.secondaryID(cb, force, false)
}

func (r *Resolver) SetSecondaryID(id string) {
	r.readVisitor()
	r.apply(GroupSecondary, Response{ID: id}, false)
}

// secondaryID serves the tracking ID, or with gettingCore asks the
// first-party tracking endpoint to mint the core ID.
func (r *Resolver) secondaryID(cb Callback, force, gettingCore bool) string {
	if !r.Allowed() {
		return r.settleEmpty(cb, force)
	}

	core := ""
	if !gettingCore {
		var ok bool
		core, ok = r.awaitCore(cb, func() { r.secondaryID(cb, true, false) })
		if !ok {
			return ""
		}
	}

	server := r.visitor.TrackingServer
	if gettingCore {
		server = r.visitor.MarketingCloudServer
	}
	if r.visitor.LoadSSL {
		switch {
		case gettingCore && r.visitor.MarketingCloudServerSecure != "":
			server = r.visitor.MarketingCloudServerSecure
		case !gettingCore && r.visitor.TrackingServerSecure != "":
			server = r.visitor.TrackingServerSecure
		}
	}

	var req request
	if server != "" {
		var q strings.Builder
		q.WriteString("d_visid_ver=" + config.ProtocolVersion)
		q.WriteString("&mcorgid=" + urlutil.EncodeComponent(r.visitor.OrgID))
		if core != "" {
			q.WriteString("&mid=" + urlutil.EncodeComponent(core))
		}
		if r.sync.Disable3rdPartySyncing {
			q.WriteString("&d_coppa=true")
		}
		target := r.baseURL(server) + "?" + q.String()
		req = request{scriptURL: target, corsURL: target, callbackParam: "callback"}
	}

	field := r.fields.secondary
	if gettingCore {
		field = r.fields.core
	}
	return r.getRemoteField(field, req, cb, force)
}

// LocationHint returns the segment location hint.
func (r *Resolver) LocationHint(cb Callback, force bool) string {
	return r.segmentField(func() string { return r.LocationHint(cb, true) }, cb, force, false)
}

// Blob returns the opaque segment blob.
func (r *Resolver) Blob(cb Callback, force bool) string {
	return r.segmentField(func() string { return r.Blob(cb, true) }, cb, force, true)
}

// segmentField resolves a segment field once both IDs are known. retry
// re-enters the public getter when a prerequisite resolves.
func (r *Resolver) segmentField(retry func() string, cb Callback, force, blob bool) string {
	if !r.Allowed() {
		return r.settleEmpty(cb, force)
	}
	if _, ok := r.awaitCore(cb, func() { retry() }); !ok {
		return ""
	}
	if _, ok := r.store.Get(r.fields.secondary, false); !ok {
		r.SecondaryID(nil, false)
		if _, ok := r.store.Get(r.fields.secondary, false); !ok {
			r.register(r.fields.secondary, func(string) { retry() })
			return ""
		}
	}

	field := r.fields.locationHint
	if blob {
		field = r.fields.blob
		if r.hashChanged {
			r.store.SetExpiry(r.fields.blob, expireNow, false)
		}
	}
	return r.getRemoteField(field, r.segmentRequest(), cb, force)
}

// OptOut returns OptOutGlobal or a comma separated list of opt-out kinds,
// "NONE" when the visitor has not opted out, or "" while unknown.
func (r *Resolver) OptOut(cb Callback, force bool) string {
	if !r.Allowed() {
		return r.settleEmpty(cb, force)
	}
	return r.getRemoteField(r.fields.optOut, r.segmentRequest(), cb, force)
}

// IsOptedOut reports whether the visitor opted out of kind (global when
// empty). known is false while the opt-out status is being fetched; cb
// receives the answer then.
func (r *Resolver) IsOptedOut(cb func(optedOut bool), kind string, force bool) (optedOut, known bool) {
	if !r.Allowed() {
		return false, true
	}
	if kind == "" {
		kind = OptOutGlobal
	}
	matches := func(v string) bool {
		return v == OptOutGlobal || strings.Contains(v, kind)
	}
	v := r.OptOut(func(v string) {
		if cb != nil {
			cb(matches(v))
		}
	}, force)
	if v == "" {
		return false, false
	}
	return matches(v), true
}

// settleEmpty answers "" and calls cb when forced.
func (r *Resolver) settleEmpty(cb Callback, force bool) string {
	if cb != nil && force {
		r.call(cb, "")
	}
	return ""
}

// awaitCore returns the core ID when it is resolved. Otherwise retry is
// queued behind the core group and ok is false. A core group that resolved
// without an ID settles cb with "" since dependent fields cannot be fetched.
func (r *Resolver) awaitCore(cb Callback, retry func()) (core string, ok bool) {
	if core = r.CoreID(nil, false); core != "" {
		return core, true
	}
	if r.coreConfirmedAbsent() {
		r.settleEmpty(cb, true)
		return "", false
	}
	r.register(r.fields.core, func(string) { retry() })
	return "", false
}

func (r *Resolver) coreConfirmedAbsent() bool {
	raw, ok := r.store.Get(r.fields.core, false)
	return valueOf(raw, ok).kind == kindNone
}

func (r *Resolver) baseURL(server string) string {
	scheme := "http"
	if r.visitor.LoadSSL {
		scheme = "https"
	}
	return scheme + "://" + server + "/id"
}

// segmentRequest builds the segment endpoint request, which also serves
// the core ID and opt-out status.
func (r *Resolver) segmentRequest() request {
	server := r.visitor.AudienceManagerServer
	if r.visitor.LoadSSL && r.visitor.AudienceManagerServerSecure != "" {
		server = r.visitor.AudienceManagerServerSecure
	}
	if server == "" {
		return request{}
	}

	core, _ := r.store.Get(r.fields.core, false)
	blob, _ := r.store.Get(r.fields.blob, true)
	secondary, _ := r.store.Get(r.fields.secondary, false)

	var q strings.Builder
	q.WriteString("d_visid_ver=" + config.ProtocolVersion)
	q.WriteString("&d_rtbd=json&d_ver=2")
	if core == "" && r.use1stPartyCoreServer {
		q.WriteString("&d_verify=1")
	}
	q.WriteString("&d_orgid=" + urlutil.EncodeComponent(r.visitor.OrgID))
	q.WriteString("&d_nsid=" + strconv.Itoa(r.visitor.NamespaceID))
	if core != "" {
		q.WriteString("&d_mid=" + urlutil.EncodeComponent(core))
	}
	if r.sync.Disable3rdPartySyncing {
		q.WriteString("&d_coppa=true")
	}
	if blob != "" {
		q.WriteString("&d_blob=" + urlutil.EncodeComponent(blob))
	}
	if valueOf(secondary, secondary != "").kind == kindPresent {
		q.WriteString("&d_cid_ic=AVID%01" + urlutil.EncodeComponent(secondary))
	}
	for _, typ := range r.customerIDOrder {
		cid := r.customerIDs[typ]
		q.WriteString("&d_cid_ic=" + urlutil.EncodeComponent(typ) + "%01" + urlutil.EncodeComponent(cid.ID))
		if cid.AuthState != AuthStateUnknown {
			q.WriteString("%01" + strconv.Itoa(int(cid.AuthState)))
		}
	}

	target := r.baseURL(server) + "?" + q.String()
	return request{scriptURL: target, corsURL: target, callbackParam: "d_cb"}
}
