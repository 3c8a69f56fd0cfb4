package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_UpsertAndLookup(t *testing.T) {
	tb := NewTable(time.Minute)
	tb.Upsert(Node{Name: "alpha", Addr: 1, HTTPPort: 8880, BinaryPort: 8881})

	n, ok := tb.Lookup("alpha")
	require.True(t, ok)
	assert.True(t, n.Active)
	assert.False(t, n.Touched.IsZero())
}

func TestTable_EvictRemovesNode(t *testing.T) {
	tb := NewTable(time.Minute)
	tb.Upsert(Node{Name: "alpha"})
	tb.Evict("alpha")

	_, ok := tb.Lookup("alpha")
	assert.False(t, ok)
}

func TestTable_SweepDepartedEvictsStaleNodes(t *testing.T) {
	tb := NewTable(10 * time.Millisecond)
	tb.Upsert(Node{Name: "stale"})

	time.Sleep(30 * time.Millisecond)
	tb.Upsert(Node{Name: "fresh"})

	departed := tb.SweepDeparted()
	assert.Equal(t, []string{"stale"}, departed)

	_, ok := tb.Lookup("fresh")
	assert.True(t, ok)
}

func TestNode_SameEndpoint(t *testing.T) {
	a := Node{Addr: 1, HTTPPort: 8880, BinaryPort: 8881}
	b := Node{Addr: 1, HTTPPort: 8880, BinaryPort: 8881}
	c := Node{Addr: 2, HTTPPort: 8880, BinaryPort: 8881}

	assert.True(t, a.sameEndpoint(b))
	assert.False(t, a.sameEndpoint(c))
}

func TestGenerateNodeName_LooksLikelyUnique(t *testing.T) {
	a := generateNodeName()
	b := generateNodeName()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "node-")
}
