package idsync

import (
	"errors"
	"sync"
)

// ErrNoFrameHost is returned when there is nowhere to attach the sync frame.
var ErrNoFrameHost = errors.New("no frame host")

// Frame is an attached sync frame.
type Frame interface {
	Post(message, targetOrigin string) error
}

// FrameHost attaches sync frames to the visitor's page.
type FrameHost interface {
	// Ready reports whether a frame can be attached yet.
	Ready() bool
	// Attach creates the frame or reuses the one already attached under id.
	// loaded is true when a reused frame has finished loading; otherwise the
	// engine waits for FrameLoaded.
	Attach(id, src string) (frame Frame, loaded bool, err error)
}

// Outbox is a FrameHost for server-side visitors: the frame is the client,
// which relays the collected messages to the real sync frame itself.
type Outbox struct {
	mu       sync.Mutex
	id       string
	src      string
	origin   string
	messages []string
}

func NewOutbox() *Outbox {
	return &Outbox{}
}

func (o *Outbox) Ready() bool {
	return true
}

func (o *Outbox) Attach(id, src string) (Frame, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.id, o.src = id, src
	return o, true, nil
}

func (o *Outbox) Post(message, targetOrigin string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.origin = targetOrigin
	o.messages = append(o.messages, message)
	return nil
}

// OutboxSnapshot is what the client needs to create the frame and relay messages.
type OutboxSnapshot struct {
	FrameID  string   `json:"frame_id,omitempty"`
	Src      string   `json:"src,omitempty"`
	Origin   string   `json:"origin,omitempty"`
	Messages []string `json:"messages,omitempty"`
}

func (o *Outbox) Snapshot() OutboxSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OutboxSnapshot{
		FrameID:  o.id,
		Src:      o.src,
		Origin:   o.origin,
		Messages: append([]string(nil), o.messages...),
	}
}
