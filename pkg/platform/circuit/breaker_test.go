package circuit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// outcome is one delivery attempt to a sink: true for success.
type outcome bool

const (
	ok   outcome = true
	fail outcome = false
)

func TestBreakerTransitions(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		attempts []outcome
		wantOpen bool
	}{
		{name: "fresh", wantOpen: false},
		{name: "below failure threshold", opts: []Option{WithFailureThreshold(3)}, attempts: []outcome{fail, fail}, wantOpen: false},
		{name: "failure threshold reached", opts: []Option{WithFailureThreshold(3)}, attempts: []outcome{fail, fail, fail}, wantOpen: true},
		{name: "success breaks the failure run", opts: []Option{WithFailureThreshold(3)}, attempts: []outcome{fail, fail, ok, fail, fail}, wantOpen: false},
		{
			name:     "recovers after enough successes",
			opts:     []Option{WithFailureThreshold(1), WithSuccessThreshold(2)},
			attempts: []outcome{fail, ok, ok},
			wantOpen: false,
		},
		{
			name:     "failure while open restarts recovery",
			opts:     []Option{WithFailureThreshold(1), WithSuccessThreshold(3)},
			attempts: []outcome{fail, ok, ok, fail, ok, ok},
			wantOpen: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("audit-sink", tt.opts...)
			for _, o := range tt.attempts {
				if o {
					b.RecordSuccess()
				} else {
					b.RecordFailure()
				}
			}
			assert.Equal(t, tt.wantOpen, b.IsOpen())
		})
	}
}

func TestBreakerReportsChangesOnce(t *testing.T) {
	b := New("audit-sink", WithFailureThreshold(2), WithSuccessThreshold(1))
	assert.Equal(t, "audit-sink", b.Name())
	assert.Equal(t, StateClosed, b.State())

	useFallback, change := b.RecordFailure()
	assert.False(t, useFallback)
	assert.False(t, change.Opened)

	useFallback, change = b.RecordFailure()
	assert.True(t, useFallback)
	assert.True(t, change.Opened)

	useFallback, change = b.RecordFailure()
	assert.True(t, useFallback)
	assert.False(t, change.Opened, "already open")

	usePrimary, change := b.RecordSuccess()
	assert.True(t, usePrimary)
	assert.True(t, change.Closed)
	assert.Equal(t, StateClosed, b.State())
}
