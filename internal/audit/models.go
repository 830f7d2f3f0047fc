package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action names what happened to an ID sync.
type Action string

const (
	// ActionMessageQueued is a sync handed to the frame queue.
	ActionMessageQueued Action = "message_queued"
	// ActionMessagePosted is a queued sync delivered to the frame.
	ActionMessagePosted Action = "message_posted"
	// ActionPixelFired is a sync fired on the page that loaded.
	ActionPixelFired Action = "pixel_fired"
	// ActionManualSync is a sync queued through the manual API.
	ActionManualSync Action = "manual_sync_queued"
)

// Channel is the delivery path of a sync.
type Channel string

const (
	ChannelFrame Channel = "frame"
	ChannelPage  Channel = "page"
)

// Event records one ID sync delivery step. It stays transport-agnostic so
// stores and sinks can fan out.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	OrgID      string    `json:"org_id"`
	ProviderID string    `json:"provider_id"`
	Action     Action    `json:"action"`
	Channel    Channel   `json:"channel"`
	Detail     string    `json:"detail,omitempty"`
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}
