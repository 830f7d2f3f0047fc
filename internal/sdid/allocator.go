// Package sdid allocates supplemental data IDs, short-lived correlation IDs
// that stitch the hits of several independent consumers into one event.
package sdid

import (
	"maps"
	"sync"
)

// IDSource produces fresh correlation IDs.
type IDSource interface {
	HexID() string
}

// State is the allocator's two generations. It round-trips through the
// server state a page hands to a visitor on startup.
type State struct {
	Current         string          `json:"supplementalDataIDCurrent,omitempty"`
	CurrentConsumed map[string]bool `json:"supplementalDataIDCurrentConsumed,omitempty"`
	Last            string          `json:"supplementalDataIDLast,omitempty"`
	LastConsumed    map[string]bool `json:"supplementalDataIDLastConsumed,omitempty"`
}

// Allocator hands each consumer every generation exactly once. A consumer
// asking again after using the current generation rolls it to last, so
// consumers that have not seen it yet can still pair with it once.
type Allocator struct {
	mu  sync.Mutex
	ids IDSource

	current         string
	currentConsumed map[string]bool
	last            string
	lastConsumed    map[string]bool
}

func New(ids IDSource) *Allocator {
	return &Allocator{
		ids:             ids,
		currentConsumed: map[string]bool{},
		lastConsumed:    map[string]bool{},
	}
}

// Get returns the ID consumer should use for its next event. With noGenerate
// no new generation is started and the result may be empty.
func (a *Allocator) Get(consumer string, noGenerate bool) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == "" && !noGenerate {
		a.current = a.ids.HexID()
	}

	if a.last != "" && !a.lastConsumed[consumer] {
		a.lastConsumed[consumer] = true
		return a.last
	}

	id := a.current
	if id == "" {
		return ""
	}
	if a.currentConsumed[consumer] {
		a.last, a.lastConsumed = a.current, a.currentConsumed
		id = ""
		if !noGenerate {
			id = a.ids.HexID()
		}
		a.current, a.currentConsumed = id, map[string]bool{}
	}
	if id != "" {
		a.currentConsumed[consumer] = true
	}
	return id
}

// Snapshot copies the allocator state.
func (a *Allocator) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		Current:         a.current,
		CurrentConsumed: maps.Clone(a.currentConsumed),
		Last:            a.last,
		LastConsumed:    maps.Clone(a.lastConsumed),
	}
}

// Restore replaces the allocator state. Missing parts reset to empty.
func (a *Allocator) Restore(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current, a.last = s.Current, s.Last
	a.currentConsumed = maps.Clone(s.CurrentConsumed)
	if a.currentConsumed == nil {
		a.currentConsumed = map[string]bool{}
	}
	a.lastConsumed = maps.Clone(s.LastConsumed)
	if a.lastConsumed == nil {
		a.lastConsumed = map[string]bool{}
	}
}
