package sdid

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

type counter struct {
	n int
}

func (c *counter) HexID() string {
	c.n++
	return "ID" + strconv.Itoa(c.n)
}

func TestAllocatorGenerations(t *testing.T) {
	a := New(&counter{})

	first := a.Get("A", false)
	shared := a.Get("B", false)
	third := a.Get("A", false)

	assert.Equal(t, "ID1", first)
	assert.Equal(t, first, shared, "B joins A's generation")
	assert.Equal(t, "ID2", third, "A has used ID1 and rolls a new generation")

	// C never saw ID1 and gets it once before moving on.
	assert.Equal(t, "ID1", a.Get("C", false))
	assert.Equal(t, "ID2", a.Get("C", false))
	// B already consumed ID1.
	assert.Equal(t, "ID2", a.Get("B", false))
}

func TestAllocatorNoGenerate(t *testing.T) {
	a := New(&counter{})
	assert.Empty(t, a.Get("A", true))

	assert.Equal(t, "ID1", a.Get("A", false))
	assert.Empty(t, a.Get("A", true), "rolled without a new generation")

	s := a.Snapshot()
	assert.Empty(t, s.Current)
	assert.Equal(t, "ID1", s.Last)
	assert.Equal(t, map[string]bool{"A": true}, s.LastConsumed)
}

func TestAllocatorSnapshotRestore(t *testing.T) {
	a := New(&counter{})
	a.Get("A", false)
	a.Get("A", false)
	snap := a.Snapshot()

	b := New(&counter{n: 100})
	b.Restore(snap)
	assert.Equal(t, "ID1", b.Get("B", false))
	assert.Equal(t, "ID2", b.Get("B", false))
	assert.Equal(t, "ID101", b.Get("A", false))

	snap.CurrentConsumed["Z"] = true
	assert.NotContains(t, b.Snapshot().CurrentConsumed, "Z")

	b.Restore(State{})
	assert.Equal(t, "ID102", b.Get("A", false))
}
