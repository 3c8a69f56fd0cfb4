package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport routes Broadcast/SendTo calls directly into a set of
// registered Node inboxes, simulating the gossip transport
// synchronously so tests don't need real UDP.
type fakeTransport struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nodes: make(map[string]*Node)}
}

func (f *fakeTransport) register(name string, n *Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[name] = n
}

func (f *fakeTransport) Broadcast(region uint16, msg Message) {
	f.mu.Lock()
	targets := make([]*Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		targets = append(targets, n)
	}
	f.mu.Unlock()
	for _, n := range targets {
		n.Deliver(msg)
	}
}

func (f *fakeTransport) SendTo(peer string, region uint16, msg Message) {
	f.mu.Lock()
	n, ok := f.nodes[peer]
	f.mu.Unlock()
	if ok {
		n.Deliver(msg)
	}
}

func newTestCluster(t *testing.T, names []string) (*fakeTransport, []*Node) {
	t.Helper()
	transport := newFakeTransport()
	nodes := make([]*Node, len(names))
	for i, name := range names {
		cfg := Config{
			Region:             0,
			SelfName:           name,
			ElectionTimeoutMin: 30 * time.Millisecond,
			ElectionTimeoutMax: 60 * time.Millisecond,
			HeartbeatInterval:  10 * time.Millisecond,
			KnownMembers:       func() int { return len(names) },
		}
		n := New(cfg, transport)
		nodes[i] = n
		transport.register(name, n)
	}
	return transport, nodes
}

func TestRaft_SingleNodeBecomesLeader(t *testing.T) {
	_, nodes := newTestCluster(t, []string{"a"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go nodes[0].Run(ctx)

	require.Eventually(t, func() bool {
		return nodes[0].Role() == Leader
	}, time.Second, 5*time.Millisecond)
}

func TestRaft_ThreeNodeClusterElectsExactlyOneLeader(t *testing.T) {
	_, nodes := newTestCluster(t, []string{"a", "b", "c"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, n := range nodes {
		go n.Run(ctx)
	}

	require.Eventually(t, func() bool {
		leaders := 0
		for _, n := range nodes {
			if n.Role() == Leader {
				leaders++
			}
		}
		return leaders == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Leadership stays stable for a further window: no double-leader.
	time.Sleep(100 * time.Millisecond)
	leaders := 0
	for _, n := range nodes {
		if n.Role() == Leader {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)
}

func TestRaft_HigherTermForcesStepDown(t *testing.T) {
	_, nodes := newTestCluster(t, []string{"a", "b"})
	a := nodes[0]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.Eventually(t, func() bool { return a.Role() != Follower || a.Term() > 0 }, time.Second, 5*time.Millisecond)

	a.Deliver(Message{Kind: LeaderHeartbeat, Term: a.Term() + 100, Candidate: "b"})

	require.Eventually(t, func() bool {
		return a.Role() == Follower && a.Term() >= 100
	}, time.Second, 5*time.Millisecond)
}
