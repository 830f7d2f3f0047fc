package api

import (
	"net/url"
	"strings"

	"visitorid/internal/idsync"
	"visitorid/internal/resolver"
	"visitorid/internal/sdid"
	dErrors "visitorid/pkg/domain-errors"
)

const (
	maxCustomerIDs   = 50
	maxFieldLength   = 256
	maxSyncURLLength = 2048
)

// CustomerIDBody is one customer ID as sent and returned over HTTP.
type CustomerIDBody struct {
	ID        string `json:"id"`
	AuthState int    `json:"auth_state"`
}

// CustomerIDsRequest is the HTTP request body for POST /visitor/customer-ids.
type CustomerIDsRequest struct {
	CustomerIDs map[string]CustomerIDBody `json:"customer_ids"`

	parsed map[string]resolver.CustomerID
}

// Validate validates and parses the request.
// Implements the Validatable interface for httputil.DecodeAndPrepare.
func (r *CustomerIDsRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.CustomerIDs) == 0 {
		return dErrors.New(dErrors.CodeValidation, "customer_ids is required")
	}
	if len(r.CustomerIDs) > maxCustomerIDs {
		return dErrors.New(dErrors.CodeValidation, "too many customer_ids")
	}

	r.parsed = make(map[string]resolver.CustomerID, len(r.CustomerIDs))
	for typ, cid := range r.CustomerIDs {
		typ = strings.TrimSpace(typ)
		if typ == "" || len(typ) > maxFieldLength {
			return dErrors.New(dErrors.CodeValidation, "customer id type must be 1 to 256 characters")
		}
		if len(cid.ID) > maxFieldLength {
			return dErrors.New(dErrors.CodeValidation, "customer id must be at most 256 characters")
		}
		state := resolver.AuthState(cid.AuthState)
		switch state {
		case resolver.AuthStateUnknown, resolver.AuthStateAuthenticated, resolver.AuthStateLoggedOut:
		default:
			return dErrors.New(dErrors.CodeValidation, "auth_state must be 0, 1 or 2")
		}
		r.parsed[typ] = resolver.CustomerID{ID: cid.ID, AuthState: state}
	}
	return nil
}

func (r *CustomerIDsRequest) Parsed() map[string]resolver.CustomerID {
	return r.parsed
}

// URLSyncRequest is the HTTP request body for POST /visitor/syncs/url.
// Field rules beyond size are the sync engine's.
type URLSyncRequest struct {
	DPID          string `json:"dpid"`
	DPUUID        string `json:"dpuuid"`
	URL           string `json:"url"`
	MinutesToLive *int   `json:"minutes_to_live"`
}

func (r *URLSyncRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.DPID) > maxFieldLength || len(r.DPUUID) > maxFieldLength {
		return dErrors.New(dErrors.CodeValidation, "dpid and dpuuid must be at most 256 characters")
	}
	if len(r.URL) > maxSyncURLLength {
		return dErrors.New(dErrors.CodeValidation, "url must be at most 2048 characters")
	}
	return nil
}

func (r *URLSyncRequest) Manual() idsync.ManualSync {
	return idsync.ManualSync{DPID: r.DPID, DPUUID: r.DPUUID, URL: r.URL, MinutesToLive: r.MinutesToLive}
}

// DataSourceSyncRequest is the HTTP request body for POST /visitor/syncs/datasource.
type DataSourceSyncRequest struct {
	DPID          string `json:"dpid"`
	DPUUID        string `json:"dpuuid"`
	MinutesToLive *int   `json:"minutes_to_live"`
}

func (r *DataSourceSyncRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.DPID) > maxFieldLength || len(r.DPUUID) > maxFieldLength {
		return dErrors.New(dErrors.CodeValidation, "dpid and dpuuid must be at most 256 characters")
	}
	return nil
}

func (r *DataSourceSyncRequest) Manual() idsync.ManualSync {
	return idsync.ManualSync{DPID: r.DPID, DPUUID: r.DPUUID, MinutesToLive: r.MinutesToLive}
}

// SDIDRequest is the HTTP request body for POST /visitor/sdid. State is the
// allocator state returned by the previous call, if any.
type SDIDRequest struct {
	Consumer   string      `json:"consumer"`
	NoGenerate bool        `json:"no_generate"`
	State      *sdid.State `json:"state"`
}

func (r *SDIDRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Consumer = strings.TrimSpace(r.Consumer)
	if r.Consumer == "" {
		return dErrors.New(dErrors.CodeValidation, "consumer is required")
	}
	if len(r.Consumer) > maxFieldLength {
		return dErrors.New(dErrors.CodeValidation, "consumer must be at most 256 characters")
	}
	return nil
}

// parseHandoffTarget checks the url query parameter of GET /visitor/handoff.
func parseHandoffTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", dErrors.New(dErrors.CodeValidation, "url is required")
	}
	if len(raw) > maxSyncURLLength {
		return "", dErrors.New(dErrors.CodeValidation, "url must be at most 2048 characters")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", dErrors.New(dErrors.CodeValidation, "url must be absolute")
	}
	return raw, nil
}
