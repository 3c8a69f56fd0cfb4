package shard

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/xapiand/searchd/internal/engine"
)

// ErrNoActiveShards is returned by PickWritable when candidates is empty.
var ErrNoActiveShards = errors.New("shard: no active shards available")

// ActiveShard is what the picker needs to know about a candidate
// shard: its index and a way to reach its engine.Database.
type ActiveShard struct {
	Index int
	DB    engine.Database
}

// PickWritable chooses the active shard with the smallest live
// document count, per spec §4.D's writable-shard-picking rule for new
// documents with no pre-determined routing.
func PickWritable(ctx context.Context, candidates []ActiveShard) (int, error) {
	best := -1
	var bestCount uint64
	for _, c := range candidates {
		n := c.DB.DocCount()
		if best == -1 || n < bestCount {
			best = c.Index
			bestCount = n
		}
	}
	if best == -1 {
		return 0, ErrNoActiveShards
	}
	return best, nil
}

// PickForReservedID generates candidate UUIDs and routes each through
// RouteByTerm-equivalent hashing (FNV-1a of the UUID string, modulo n)
// until one lands on a shard present
// in active, for term-routed inserts under the reserved numeric-ID
// prefix with docid == 0 (spec §4.D).
func PickForReservedID(active map[int]bool, n int) (shardIdx int, id uuid.UUID) {
	for {
		id = uuid.New()
		h := FNV1a64(id.String())
		idx := int(h % uint64(n))
		if active[idx] {
			return idx, id
		}
	}
}
