package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteByTerm_Deterministic(t *testing.T) {
	a := RouteByTerm("hello", 8)
	b := RouteByTerm("hello", 8)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 8)
}

func TestRouteByDocID_AndGlobalDocIDRoundtrip(t *testing.T) {
	n := 4
	for docid := uint64(1); docid < 40; docid++ {
		shardIdx, local := RouteByDocID(docid, n)
		got := GlobalDocID(shardIdx, local, n)
		assert.Equal(t, docid, got, "docid=%d", docid)
	}
}

func TestRouteByDocID_Distribution(t *testing.T) {
	n := 3
	counts := make(map[int]int)
	for docid := uint64(1); docid <= 30; docid++ {
		shardIdx, _ := RouteByDocID(docid, n)
		counts[shardIdx]++
	}
	assert.Len(t, counts, n)
	for _, c := range counts {
		assert.Equal(t, 10, c)
	}
}

func TestFNV1a64_KnownVector(t *testing.T) {
	// FNV-1a 64-bit of the empty string is the offset basis.
	assert.Equal(t, uint64(0xcbf29ce484222325), FNV1a64(""))
}
