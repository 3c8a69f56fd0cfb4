// Package raft implements the per-region leader election state
// machine of spec §4.H: FOLLOWER/CANDIDATE/LEADER roles, randomized
// election timeouts, REQUEST_VOTE/RESPONSE_VOTE/LEADER heartbeat
// messages. It deliberately does not depend on hashicorp/raft: that
// library owns its own replicated log and transport abstraction,
// whereas spec's election rides the existing gossip UDP transport as
// one more message family with no log replication at all — adapting
// hashicorp/raft to "elections only, no log" would fight the library
// more than it would help. Message delivery is grounded in the same
// event-loop structure as internal/gossip.Gossip.Run (a select over a
// ticker and an inbound channel).
package raft

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xapiand/searchd/internal/logging"
	"github.com/xapiand/searchd/internal/metrics"
)

// Role is this node's current position in the region's election.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "follower"
	}
}

// MessageKind distinguishes the raft message family riding the gossip
// transport, matching spec §6's REQUEST_VOTE/RESPONSE_VOTE/LEADER/
// HEARTBEAT_LEADER kinds (LEADERSHIP and RESET are folded into LEADER
// and the internal state reset path respectively — they carry no
// payload this implementation needs as a distinct wire message).
type MessageKind uint8

const (
	RequestVote MessageKind = iota
	ResponseVote
	LeaderHeartbeat
)

// Message is one election protocol message for a single region.
type Message struct {
	Kind        MessageKind
	Region      uint16
	Term        uint64
	Candidate   string // RequestVote: the requester; LeaderHeartbeat: the leader
	VoteGranted bool   // ResponseVote only
	From        string
}

// Transport is the minimal send capability raft needs; it is
// satisfied by wrapping internal/gossip.Gossip's send path, or by a
// fake in tests.
type Transport interface {
	Broadcast(region uint16, msg Message)
	SendTo(peer string, region uint16, msg Message)
}

// Config bounds the randomized election timeout and fixes the
// heartbeat period, per spec §4.H ("election timeout larger than
// heartbeat period").
type Config struct {
	Region            uint16
	SelfName          string
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	KnownMembers       func() int
}

// Node runs one region's election state machine.
type Node struct {
	cfg       Config
	transport Transport
	log       zerolog.Logger

	mu          sync.Mutex
	role        Role
	term        uint64
	votedFor    string
	leaderName  string
	votesGranted map[string]bool

	inbox chan Message
	stop  chan struct{}
}

// New constructs a Node in the FOLLOWER role.
func New(cfg Config, transport Transport) *Node {
	return &Node{
		cfg:          cfg,
		transport:    transport,
		role:         Follower,
		log:          logging.Component("raft").With().Uint16("region", cfg.Region).Logger(),
		votesGranted: make(map[string]bool),
		inbox:        make(chan Message, 64),
		stop:         make(chan struct{}),
	}
}

// Deliver hands an inbound Message to the node's run loop. Safe to
// call from any goroutine (e.g. a gossip receive loop demuxing by
// message kind).
func (n *Node) Deliver(msg Message) {
	select {
	case n.inbox <- msg:
	case <-n.stop:
	}
}

// Role returns the node's current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// Term returns the node's current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// LeaderName returns the node name this node currently believes is the
// region leader, or "" if none has been observed yet.
func (n *Node) LeaderName() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderName
}

// Run drives the election timeout timer and the inbound message loop
// until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	defer close(n.stop)

	electionTimer := time.NewTimer(n.randomElectionTimeout())
	defer electionTimer.Stop()
	var heartbeatTicker *time.Ticker

	for {
		select {
		case <-ctx.Done():
			if heartbeatTicker != nil {
				heartbeatTicker.Stop()
			}
			return

		case msg := <-n.inbox:
			becameLeader := n.handle(msg)
			if becameLeader {
				if heartbeatTicker != nil {
					heartbeatTicker.Stop()
				}
				heartbeatTicker = time.NewTicker(n.cfg.HeartbeatInterval)
			}
			if n.Role() == Follower {
				resetTimer(electionTimer, n.randomElectionTimeout())
				if heartbeatTicker != nil {
					heartbeatTicker.Stop()
					heartbeatTicker = nil
				}
			}

		case <-electionTimer.C:
			if n.Role() != Leader {
				n.startElection()
			}
			resetTimer(electionTimer, n.randomElectionTimeout())

		case <-tickerC(heartbeatTicker):
			n.sendHeartbeat()
		}
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (n *Node) randomElectionTimeout() time.Duration {
	lo, hi := n.cfg.ElectionTimeoutMin, n.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func (n *Node) startElection() {
	n.mu.Lock()
	n.role = Candidate
	n.term++
	n.votedFor = n.cfg.SelfName
	n.votesGranted = map[string]bool{n.cfg.SelfName: true}
	term := n.term
	n.mu.Unlock()

	n.log.Info().Uint64("term", term).Msg("election timeout, starting election")
	n.transport.Broadcast(n.cfg.Region, Message{
		Kind: RequestVote, Region: n.cfg.Region, Term: term, Candidate: n.cfg.SelfName,
	})
}

func (n *Node) sendHeartbeat() {
	n.mu.Lock()
	term := n.term
	isLeader := n.role == Leader
	n.mu.Unlock()
	if !isLeader {
		return
	}
	n.transport.Broadcast(n.cfg.Region, Message{
		Kind: LeaderHeartbeat, Region: n.cfg.Region, Term: term, Candidate: n.cfg.SelfName,
	})
}

// handle applies one inbound message to the state machine and reports
// whether this call transitioned the node into LEADER.
func (n *Node) handle(msg Message) bool {
	n.mu.Lock()

	if msg.Term > n.term {
		n.term = msg.Term
		n.role = Follower
		n.votedFor = ""
	}

	switch msg.Kind {
	case RequestVote:
		grant := false
		if msg.Term >= n.term && (n.votedFor == "" || n.votedFor == msg.Candidate) {
			grant = true
			n.votedFor = msg.Candidate
			if msg.Candidate != n.cfg.SelfName {
				n.role = Follower
			}
		}
		term := n.term
		n.mu.Unlock()
		n.transport.SendTo(msg.Candidate, n.cfg.Region, Message{
			Kind: ResponseVote, Region: n.cfg.Region, Term: term, From: n.cfg.SelfName, VoteGranted: grant,
		})
		return false

	case ResponseVote:
		defer n.mu.Unlock()
		if n.role != Candidate || msg.Term != n.term || !msg.VoteGranted {
			return false
		}
		n.votesGranted[msg.From] = true
		if len(n.votesGranted) > n.cfg.KnownMembers()/2 {
			n.role = Leader
			n.leaderName = n.cfg.SelfName
			n.log.Info().Uint64("term", n.term).Msg("won election, becoming leader")
			metrics.RaftIsLeader.WithLabelValues(regionLabel(n.cfg.Region)).Set(1)
			metrics.RaftTerm.WithLabelValues(regionLabel(n.cfg.Region)).Set(float64(n.term))
			return true
		}
		return false

	case LeaderHeartbeat:
		defer n.mu.Unlock()
		if msg.Term < n.term {
			return false
		}
		if msg.Candidate == n.cfg.SelfName {
			// This node's own heartbeat, looped back by the transport.
			return false
		}
		if n.role == Leader && msg.Candidate != n.cfg.SelfName {
			// Another leader in the same region and term-or-higher:
			// step down per spec §4.H.
			metrics.RaftIsLeader.WithLabelValues(regionLabel(n.cfg.Region)).Set(0)
		}
		n.role = Follower
		n.leaderName = msg.Candidate
		return false

	default:
		n.mu.Unlock()
		return false
	}
}

func regionLabel(region uint16) string {
	return strconv.FormatUint(uint64(region), 10)
}
