package transport

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

const tokenPrefix = "visitorcb_"

// CallbackTable maps opaque tokens embedded in script URLs to the handlers
// waiting for them.
type CallbackTable struct {
	mu      sync.Mutex
	entries map[string]func(map[string]any)
}

func NewCallbackTable() *CallbackTable {
	return &CallbackTable{entries: make(map[string]func(map[string]any))}
}

// Register stores fn and returns its token. Tokens are valid identifiers so
// they can be invoked directly by the response script.
func (t *CallbackTable) Register(fn func(map[string]any)) string {
	token := tokenPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[token] = fn
	return token
}

// Resolve returns the handler for token.
func (t *CallbackTable) Resolve(token string) (func(map[string]any), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn, ok := t.entries[token]
	return fn, ok
}

func (t *CallbackTable) Release(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, token)
}

// Len reports how many callbacks are outstanding.
func (t *CallbackTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
