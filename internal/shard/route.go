// Package shard implements shard routing and the checkout/checkin
// DatabasePool of spec §4.D. Routing is grounded directly in spec's
// formulas rather than any one teacher file: the teacher's Ring
// (internal/cluster/ring.go) uses consistent hashing with virtual
// nodes for dynamic membership, which does not fit a fixed shard
// count N — so routing here is a deterministic FNV1a-64 modulo
// function instead, reusing only the teacher's general shape of "a
// small router type with a pick-for-write method".
package shard

import "hash/fnv"

// ReservedNumericIDPrefix is the term prefix spec §4.D singles out for
// direct docid-derived routing instead of hashing.
const ReservedNumericIDPrefix = "QN"

// FNV1a64 hashes term the same way spec's routing formula expects:
// 64-bit FNV-1a over the raw bytes.
func FNV1a64(term string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(term))
	return h.Sum64()
}

// RouteByTerm returns the shard index (0..n-1) a term belongs to under
// the general (non-reserved-prefix) rule.
func RouteByTerm(term string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(FNV1a64(term) % uint64(n))
}

// RouteByDocID returns the shard index and shard-local docid for a
// global docid under the reserved numeric-ID prefix rule.
//
//	shard = (docid - 1) mod N
//	shard-local docid = (docid - 1) div N + 1
func RouteByDocID(docid uint64, n int) (shardIdx int, localDocID uint64) {
	if n <= 0 {
		return 0, docid
	}
	zeroBased := docid - 1
	shardIdx = int(zeroBased % uint64(n))
	localDocID = zeroBased/uint64(n) + 1
	return shardIdx, localDocID
}

// GlobalDocID reconstructs the cluster-wide docid from a shard index
// and the docid local to that shard:
//
//	global_docid = (shard_local_docid - 1) * N + shard + 1
func GlobalDocID(shardIdx int, localDocID uint64, n int) uint64 {
	return (localDocID-1)*uint64(n) + uint64(shardIdx) + 1
}
