package gossip

import (
	"sync"
	"time"
)

// Node mirrors spec §3's Node type: identity plus the liveness
// timestamp gossip handlers bump on every WAVE/PING/PONG.
type Node struct {
	Name       string
	Addr       uint32
	HTTPPort   uint64
	BinaryPort uint64
	Region     uint16
	Touched    time.Time
	Active     bool
}

// sameEndpoint reports whether two nodes would be considered "the
// same physical node" for SNEER's name-collision check: same address
// and ports.
func (n Node) sameEndpoint(o Node) bool {
	return n.Addr == o.Addr && n.HTTPPort == o.HTTPPort && n.BinaryPort == o.BinaryPort
}

// Table is the gossip-discovered membership view, generalizing the
// teacher's Membership (internal/cluster/membership.go) from a
// statically seeded node list to one built up from HELLO/WAVE/PING
// traffic, with the liveness-aging eviction spec §4.G requires.
type Table struct {
	mu            sync.RWMutex
	nodes         map[string]*Node
	livenessAfter time.Duration
}

// NewTable constructs an empty node table. livenessAfter is how long a
// node's Touched timestamp may age before it's considered departed.
func NewTable(livenessAfter time.Duration) *Table {
	return &Table{
		nodes:         make(map[string]*Node),
		livenessAfter: livenessAfter,
	}
}

// Upsert creates or refreshes a node entry, bumping Touched to now.
func (t *Table) Upsert(n Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n.Touched = time.Now()
	n.Active = true
	t.nodes[n.Name] = &n
}

// Touch bumps an existing node's liveness timestamp without changing
// its other fields. A no-op if the node is unknown.
func (t *Table) Touch(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[name]; ok {
		n.Touched = time.Now()
	}
}

// Lookup returns the node registered under name, if any.
func (t *Table) Lookup(name string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[name]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Evict removes a node immediately (BYE handling).
func (t *Table) Evict(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, name)
}

// All returns a snapshot of every currently known node.
func (t *Table) All() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, *n)
	}
	return out
}

// SweepDeparted evicts every node whose Touched has aged past
// livenessAfter, returning the names removed. The decision is purely
// local, matching spec §4.G's "eventually consistent" liveness model.
func (t *Table) SweepDeparted() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var departed []string
	cutoff := time.Now().Add(-t.livenessAfter)
	for name, n := range t.nodes {
		if n.Touched.Before(cutoff) {
			departed = append(departed, name)
			delete(t.nodes, name)
		}
	}
	return departed
}
