package resolver

import (
	"strconv"
	"strings"
	"time"

	"visitorid/internal/fieldstore"
	"visitorid/pkg/platform/urlutil"
)

const (
	// HandoffParam carries visitor IDs across domains.
	HandoffParam = "adobe_mc"
	// HandoffTTL bounds how old a handoff parameter may be when adopted.
	HandoffTTL = 5 * time.Minute

	handoffTimestampKey = "TS"
)

// AppendVisitorIDsTo adds the handoff parameter with the current core and
// secondary IDs, the org and a creation timestamp to target.
func (r *Resolver) AppendVisitorIDsTo(target string) string {
	r.readVisitor()
	core, _ := r.store.Get(r.fields.core, false)
	secondary, _ := r.store.Get(r.fields.secondary, false)

	pairs := []struct {
		key   fieldstore.Field
		value string
	}{
		{r.fields.core, core},
		{r.fields.secondary, secondary},
		{r.fields.org, r.visitor.OrgID},
	}

	parts := make([]string, 0, len(pairs)+1)
	for _, p := range pairs {
		if p.value == "" || p.value == fieldstore.ValueNone {
			continue
		}
		parts = append(parts, string(p.key)+"="+urlutil.EncodeComponent(p.value))
	}
	parts = append(parts, handoffTimestampKey+"="+strconv.FormatInt(r.sched.Now().UnixMilli(), 10))

	return urlutil.AddQueryParam(target, HandoffParam, strings.Join(parts, "|"), -1)
}

// ParseVisitorIDsFrom returns the key/value pairs of the handoff parameter
// in source, or nil when there is none.
func ParseVisitorIDsFrom(source string) map[string]string {
	raw, ok := urlutil.ExtractParam(source, HandoffParam)
	if !ok || raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, "|") {
		key, val, _ := strings.Cut(pair, "=")
		decoded, err := urlutil.DecodeComponent(val)
		if err != nil {
			decoded = val
		}
		out[key] = decoded
	}
	return out
}

// PopulateFromURL adopts IDs handed off in pageURL when the parameter is
// fresh and was minted for this org. Stored IDs win unless cross-domain
// overwrite is configured.
func (r *Resolver) PopulateFromURL(pageURL string) bool {
	params := ParseVisitorIDsFrom(pageURL)
	if params == nil {
		return false
	}
	ts, err := strconv.ParseInt(params[handoffTimestampKey], 10, 64)
	if err != nil {
		return false
	}
	age := r.sched.Now().Sub(time.UnixMilli(ts))
	if age > HandoffTTL || params[string(r.fields.org)] != r.visitor.OrgID {
		r.logger.Debug("ignoring handoff parameter", "age", age, "org", params[string(r.fields.org)])
		return false
	}

	if id := params[string(r.fields.core)]; validVisitorID(id) {
		r.SetCoreID(id)
	}
	r.store.SetExpiry(r.fields.blob, expireNow, false)
	if id := params[string(r.fields.secondary)]; validVisitorID(id) {
		r.SetSecondaryID(id)
	}
	return true
}
