package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomIndexAddAndGet(t *testing.T) {
	idx := NewRoomIndex()
	c1 := &Client{id: "c1"}
	c2 := &Client{id: "c2"}

	assert.Empty(t, idx.Get("symbol:AAPL"))

	idx.Add("symbol:AAPL", c1)
	idx.Add("symbol:AAPL", c2)
	idx.Add("symbol:AAPL", c1) // dedupe

	members := idx.Get("symbol:AAPL")
	require.Len(t, members, 2)
	assert.Equal(t, 1, idx.Count())
}

func TestRoomIndexRemove(t *testing.T) {
	idx := NewRoomIndex()
	c1 := &Client{id: "c1"}
	c2 := &Client{id: "c2"}

	idx.Add("symbol:AAPL", c1)
	idx.Add("symbol:AAPL", c2)

	idx.Remove("symbol:AAPL", c1)
	members := idx.Get("symbol:AAPL")
	require.Len(t, members, 1)
	assert.Same(t, c2, members[0])

	// Removing the last member drops the room entirely.
	idx.Remove("symbol:AAPL", c2)
	assert.Empty(t, idx.Get("symbol:AAPL"))
	assert.Equal(t, 0, idx.Count())

	// Removing from a gone room is a no-op.
	idx.Remove("symbol:AAPL", c2)
}

func TestRoomIndexSnapshotIsolation(t *testing.T) {
	idx := NewRoomIndex()
	c1 := &Client{id: "c1"}

	idx.Add("symbol:AAPL", c1)
	snapshot := idx.Get("symbol:AAPL")

	idx.Add("symbol:AAPL", &Client{id: "c2"})
	assert.Len(t, snapshot, 1, "earlier snapshot unaffected by later adds")
	assert.Len(t, idx.Get("symbol:AAPL"), 2)
}
