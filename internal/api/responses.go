package api

import (
	"visitorid/internal/resolver"
	"visitorid/internal/sdid"
)

// SyncsResponse tells the client which sync frame to create and which
// messages to relay to it.
type SyncsResponse struct {
	FrameID  string   `json:"frame_id,omitempty"`
	FrameURL string   `json:"frame_url,omitempty"`
	Origin   string   `json:"origin,omitempty"`
	Posted   []string `json:"posted,omitempty"`
	Pending  []string `json:"pending,omitempty"`
}

// IDsResponse is the response body of GET /visitor/ids.
type IDsResponse struct {
	OrgID        string                    `json:"org_id"`
	MID          string                    `json:"mid"`
	AID          string                    `json:"aid,omitempty"`
	LocationHint string                    `json:"location_hint,omitempty"`
	Blob         string                    `json:"blob,omitempty"`
	OptOut       string                    `json:"opt_out,omitempty"`
	CustomerIDs  map[string]CustomerIDBody `json:"customer_ids,omitempty"`
	Syncs        SyncsResponse             `json:"syncs"`
}

// ManualSyncResponse is the response body of the manual sync endpoints.
type ManualSyncResponse struct {
	Status string        `json:"status"`
	Syncs  SyncsResponse `json:"syncs"`
}

type HandoffResponse struct {
	URL string `json:"url"`
}

type SDIDResponse struct {
	SDID  string     `json:"sdid"`
	State sdid.State `json:"state"`
}

func fromCustomerIDs(ids map[string]resolver.CustomerID) map[string]CustomerIDBody {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]CustomerIDBody, len(ids))
	for typ, cid := range ids {
		out[typ] = CustomerIDBody{ID: cid.ID, AuthState: int(cid.AuthState)}
	}
	return out
}
