package visitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitorid/internal/fieldstore"
	"visitorid/internal/platform/config"
	"visitorid/internal/platform/eventloop"
)

func TestRegistry(t *testing.T) {
	sched := eventloop.NewVirtual(time.Unix(0, 0))
	built := 0
	reg := NewRegistry(func(org string) *Instance {
		built++
		return New(context.Background(), config.Default(org), Deps{
			Persister: fieldstore.NewMemoryPersister(""),
			Fetcher:   &fakeFetcher{},
			Sched:     sched,
		})
	})

	a := reg.Init("ABC")
	require.NotNil(t, a)
	assert.Equal(t, "ABC@AdobeOrg", a.OrgID())
	assert.Same(t, a, reg.Init("ABC@AdobeOrg"), "one instance per org")
	assert.Equal(t, 1, built)

	found, ok := reg.Lookup("ABC")
	assert.True(t, ok)
	assert.Same(t, a, found)
	_, ok = reg.Lookup("XYZ")
	assert.False(t, ok)

	assert.True(t, reg.Remove("ABC"))
	assert.False(t, reg.Remove("ABC"))
	assert.NotSame(t, a, reg.Init("ABC"))
	assert.Equal(t, 2, built)

	reg.Close()
	assert.Zero(t, reg.Len())
	assert.Nil(t, reg.Init("ABC"))
}
