package resolver

import (
	"slices"
	"strconv"
	"strings"

	"visitorid/internal/identity/idgen"
)

// AuthState is the authentication state of a customer ID.
type AuthState int

const (
	AuthStateUnknown       AuthState = 0
	AuthStateAuthenticated AuthState = 1
	AuthStateLoggedOut     AuthState = 2
)

// CustomerID is an organization-assigned ID of one type.
type CustomerID struct {
	ID        string    `json:"id,omitempty"`
	AuthState AuthState `json:"authState"`
}

// SetCustomerIDs merges ids into the visitor's customer IDs. When the set
// differs from the last one mapped, the segment call is reissued to map
// them; the new hash is committed once that call succeeds.
func (r *Resolver) SetCustomerIDs(ids map[string]CustomerID) {
	if !r.Allowed() || len(ids) == 0 {
		return
	}
	r.readVisitor()

	types := make([]string, 0, len(ids))
	for typ := range ids {
		types = append(types, typ)
	}
	slices.Sort(types)
	for _, typ := range types {
		cid := ids[typ]
		if typ == "" || cid == (CustomerID{}) {
			continue
		}
		if _, ok := r.customerIDs[typ]; !ok {
			r.customerIDOrder = append(r.customerIDOrder, typ)
		}
		r.customerIDs[typ] = cid
	}

	stored, ok := r.store.Get(r.fields.customerIDHash, false)
	if !ok {
		stored = "0"
	}
	r.newHash = idgen.FormatHash(idgen.Hash(r.serializeCustomerIDs()))
	if r.newHash != stored {
		r.hashChanged = true
		r.Blob(nil, false)
	}
}

// CustomerIDs returns a copy of the visitor's customer IDs.
func (r *Resolver) CustomerIDs() map[string]CustomerID {
	r.readVisitor()
	out := make(map[string]CustomerID, len(r.customerIDs))
	for typ, cid := range r.customerIDs {
		out[typ] = cid
	}
	return out
}

// serializeCustomerIDs renders type|id<authState> pairs joined by '|' in
// insertion order. The unknown state is omitted.
func (r *Resolver) serializeCustomerIDs() string {
	var b strings.Builder
	for i, typ := range r.customerIDOrder {
		cid := r.customerIDs[typ]
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(typ)
		b.WriteByte('|')
		b.WriteString(cid.ID)
		if cid.AuthState != AuthStateUnknown {
			b.WriteString(strconv.Itoa(int(cid.AuthState)))
		}
	}
	return b.String()
}
