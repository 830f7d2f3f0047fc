package fieldstore

import (
	"context"
	"sync"
)

// Persister loads and saves the encoded blob for one visitor.
type Persister interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, blob string) error
}

// SessionMarker tracks the browser-session marker that keeps
// session-scoped fields valid.
type SessionMarker interface {
	Present() bool
	Mark()
}

// MemoryPersister keeps the blob in process memory.
type MemoryPersister struct {
	mu    sync.RWMutex
	blob  string
	saves int
}

func NewMemoryPersister(initial string) *MemoryPersister {
	return &MemoryPersister{blob: initial}
}

func (p *MemoryPersister) Load(_ context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.blob, nil
}

func (p *MemoryPersister) Save(_ context.Context, blob string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blob = blob
	p.saves++
	return nil
}

// Blob returns the last saved blob.
func (p *MemoryPersister) Blob() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.blob
}

// Saves reports how many times Save was called.
func (p *MemoryPersister) Saves() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.saves
}

// MemorySession is a SessionMarker held in memory.
type MemorySession struct {
	mu      sync.Mutex
	present bool
}

func NewMemorySession(present bool) *MemorySession {
	return &MemorySession{present: present}
}

func (m *MemorySession) Present() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present
}

func (m *MemorySession) Mark() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present = true
}

// End clears the marker, as closing the browser would.
func (m *MemorySession) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present = false
}
