package gossip

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xapiand/searchd/internal/logging"
	"github.com/xapiand/searchd/internal/metrics"
)

// Status is this node's own progress through the join state machine.
type Status int

const (
	StatusJoining Status = iota
	StatusJoined
	StatusReset
	StatusShutdown
)

// Self describes this node's identity as presented to the cluster.
type Self struct {
	Name        string
	NameAutogen bool
	Addr        uint32
	HTTPPort    uint64
	BinaryPort  uint64
	Region      uint16
}

// Gossip runs the UDP multicast membership protocol of spec §4.G over
// a single multicast group+port per cluster, sending HELLO while
// joining and PING once joined, once per second, and dispatching
// inbound datagrams to the HELLO/WAVE/SNEER/PING/PONG/BYE handlers.
type Gossip struct {
	self        Self
	clusterName string
	conn        *net.UDPConn
	groupAddr   *net.UDPAddr

	table *Table
	log   zerolog.Logger

	mu     sync.Mutex
	status Status

	// onShutdown is invoked when a SNEER forces a user-supplied name
	// to give up, per the single consistent policy this build applies
	// (spec §9's two-divergent-implementations open question): an
	// auto-generated name resets and retries, a configured name is
	// fatal.
	onShutdown func(reason string)

	// raftHandler and the dbLookup* handlers let internal/raft and
	// internal/resolver ride this same multicast transport (spec §4.H,
	// §4.I) without gossip importing either package: the server wiring
	// layer registers plain func(Message) callbacks instead.
	raftHandler             func(Message)
	dbLookupHandler         func(path string)
	dbLookupResponseHandler func(path, endpoint string, mastery uint64)
}

// OnRaftMessage registers the callback invoked for every received
// KindRequestVote/KindResponseVote/KindLeader datagram.
func (g *Gossip) OnRaftMessage(h func(Message)) { g.raftHandler = h }

// OnDBLookup registers the callback invoked for every received
// KindDBLookup datagram (a peer asking "who hosts this path").
func (g *Gossip) OnDBLookup(h func(path string)) { g.dbLookupHandler = h }

// OnDBLookupResponse registers the callback invoked for every
// received KindDBLookupResponse datagram.
func (g *Gossip) OnDBLookupResponse(h func(path, endpoint string, mastery uint64)) {
	g.dbLookupResponseHandler = h
}

// BroadcastRaft sends a Raft election message to every node in the
// cluster. Only the message's intended recipient(s) act on it — the
// state machine's own role/term guards make unicast unnecessary over
// a multicast transport where everyone already receives everything.
func (g *Gossip) BroadcastRaft(kind Kind, region uint16, term uint64, node string, voteGranted bool) {
	g.sendMsg(Message{
		Kind: kind, Version: CurrentVersion, ClusterName: g.clusterName,
		NodeName: node, Region: region, Term: term, VoteGranted: voteGranted,
	}, g.groupAddr)
}

// BroadcastDBLookup fans out a DB-lookup request for path, per the
// resolver's NEW-state broadcast (§4.I).
func (g *Gossip) BroadcastDBLookup(path string) {
	g.sendMsg(Message{Kind: KindDBLookup, Version: CurrentVersion, ClusterName: g.clusterName, NodeName: g.self.Name, Path: path}, g.groupAddr)
}

// SendDBLookupResponse replies to a DB-lookup with this node's mastery
// level over path, if it hosts an endpoint for it.
func (g *Gossip) SendDBLookupResponse(path, endpoint string, mastery uint64) {
	g.sendMsg(Message{Kind: KindDBLookupResponse, Version: CurrentVersion, ClusterName: g.clusterName, NodeName: g.self.Name, Path: path, Endpoint: endpoint, Mastery: mastery}, g.groupAddr)
}

// New joins group:port as self within clusterName. onShutdown is
// called if a name collision cannot be resolved by auto-renaming.
func New(self Self, clusterName, group string, port int, iface string, livenessAfter time.Duration, onShutdown func(reason string)) (*Gossip, error) {
	groupAddr := &net.UDPAddr{IP: net.ParseIP(group), Port: port}

	var ifi *net.Interface
	if iface != "" {
		var err error
		ifi, err = net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("gossip: interface %q: %w", iface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp4", ifi, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("gossip: listen multicast %s: %w", groupAddr, err)
	}

	g := &Gossip{
		self:        self,
		clusterName: clusterName,
		conn:        conn,
		groupAddr:   groupAddr,
		table:       NewTable(livenessAfter),
		log:         logging.Component("gossip"),
		status:      StatusJoining,
		onShutdown:  onShutdown,
	}
	return g, nil
}

// Table exposes the discovered node membership view.
func (g *Gossip) Table() *Table { return g.table }

// Run drives the receive loop and the once-a-second heartbeat sender
// until ctx is cancelled.
func (g *Gossip) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- g.receiveLoop(ctx) }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	sweepTicker := time.NewTicker(5 * time.Second)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = g.conn.Close()
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			g.heartbeat()
		case <-sweepTicker.C:
			for _, name := range g.table.SweepDeparted() {
				g.log.Info().Str("node", name).Msg("node departed (liveness timeout)")
			}
			metrics.GossipNodesKnown.Set(float64(len(g.table.All())))
		}
	}
}

func (g *Gossip) heartbeat() {
	g.mu.Lock()
	status := g.status
	g.mu.Unlock()

	kind := KindPing
	if status == StatusJoining || status == StatusReset {
		kind = KindHello
	}
	if status == StatusShutdown {
		return
	}
	g.send(kind, g.groupAddr)
}

func (g *Gossip) send(kind Kind, addr *net.UDPAddr) {
	g.sendMsg(Message{
		Kind:        kind,
		Version:     CurrentVersion,
		ClusterName: g.clusterName,
		Addr:        g.self.Addr,
		HTTPPort:    g.self.HTTPPort,
		BinaryPort:  g.self.BinaryPort,
		NodeName:    g.self.Name,
		PID:         0,
	}, addr)
}

// sendMsg encodes and sends an arbitrary Message, used both for the
// base membership heartbeats and for the Raft/resolver families that
// carry their own fields (§4.H, §4.I).
func (g *Gossip) sendMsg(msg Message, addr *net.UDPAddr) {
	var buf bytes.Buffer
	if err := msg.Encode(&buf); err != nil {
		g.log.Error().Err(err).Msg("encode gossip message")
		return
	}
	if _, err := g.conn.WriteToUDP(buf.Bytes(), addr); err != nil {
		g.log.Warn().Err(err).Str("kind", msg.Kind.String()).Msg("send gossip message")
		return
	}
	metrics.GossipMessagesTotal.WithLabelValues(msg.Kind.String(), "out").Inc()
}

func (g *Gossip) receiveLoop(ctx context.Context) error {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = g.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gossip: read: %w", err)
		}
		msg, err := Decode(buf[:n])
		if err != nil {
			g.log.Warn().Err(err).Msg("drop malformed gossip datagram")
			continue
		}
		if msg.ClusterName != g.clusterName {
			continue
		}
		if !CurrentVersion.Compatible(msg.Version) {
			g.log.Warn().Uint8("major", msg.Version.Major).Msg("drop gossip message: protocol major mismatch")
			continue
		}
		metrics.GossipMessagesTotal.WithLabelValues(msg.Kind.String(), "in").Inc()
		g.handle(msg, addr)
	}
}

func (g *Gossip) handle(msg Message, from *net.UDPAddr) {
	switch msg.Kind {
	case KindHello:
		g.handleHello(msg, from)
	case KindWave:
		g.handleWave(msg)
	case KindSneer:
		g.handleSneer(msg)
	case KindPing:
		g.handlePing(msg, from)
	case KindPong:
		g.table.Touch(msg.NodeName)
	case KindBye:
		g.table.Evict(msg.NodeName)
	case KindRequestVote, KindResponseVote, KindLeader:
		if g.raftHandler != nil {
			g.raftHandler(msg)
		}
	case KindDBLookup:
		if g.dbLookupHandler != nil {
			g.dbLookupHandler(msg.Path)
		}
	case KindDBLookupResponse:
		if g.dbLookupResponseHandler != nil {
			g.dbLookupResponseHandler(msg.Path, msg.Endpoint, msg.Mastery)
		}
	}
}

func (g *Gossip) handleHello(msg Message, from *net.UDPAddr) {
	sender := Node{
		Name: msg.NodeName, Addr: msg.Addr,
		HTTPPort: msg.HTTPPort, BinaryPort: msg.BinaryPort,
	}
	if existing, ok := g.table.Lookup(msg.NodeName); ok && !existing.sameEndpoint(sender) {
		g.send(KindSneer, from)
		return
	}
	g.table.Upsert(sender)
	g.send(KindWave, from)
	g.markJoined()
}

func (g *Gossip) handleWave(msg Message) {
	g.table.Upsert(Node{
		Name: msg.NodeName, Addr: msg.Addr,
		HTTPPort: msg.HTTPPort, BinaryPort: msg.BinaryPort,
	})
	g.markJoined()
}

// handleSneer applies the single consistent policy this build uses to
// resolve the two divergent SNEER handling paths spec §9 flags in the
// original: a self-addressed SNEER against an auto-generated name
// triggers a rename-and-retry (StatusReset); against a user-supplied
// name it is fatal and calls onShutdown.
func (g *Gossip) handleSneer(msg Message) {
	if msg.NodeName != g.self.Name {
		return
	}
	if g.self.NameAutogen {
		g.mu.Lock()
		g.status = StatusReset
		g.mu.Unlock()
		g.self.Name = generateNodeName()
		g.log.Info().Str("new-name", g.self.Name).Msg("name collision, retrying with a new auto-generated name")
		g.mu.Lock()
		g.status = StatusJoining
		g.mu.Unlock()
		return
	}
	g.mu.Lock()
	g.status = StatusShutdown
	g.mu.Unlock()
	if g.onShutdown != nil {
		g.onShutdown(fmt.Sprintf("node name %q is already in use by a different node", g.self.Name))
	}
}

func (g *Gossip) handlePing(msg Message, from *net.UDPAddr) {
	g.table.Touch(msg.NodeName)
	g.send(KindPong, from)
}

func (g *Gossip) markJoined() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == StatusJoining {
		g.status = StatusJoined
	}
}

// Bye announces a graceful departure to the group.
func (g *Gossip) Bye() {
	g.send(KindBye, g.groupAddr)
}

func generateNodeName() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("node-%08x", binary.BigEndian.Uint32(b[:]))
}
