// cmd/searchd is the single-binary entrypoint: every node runs the
// same binary, joins the cluster by gossip, and serves HTTP, binary
// replication/RPC and a Prometheus /metrics endpoint.
//
// Example — single node:
//
//	./searchd --node-name node1 --data-dir /var/searchd/node1
//
// Example — a small cluster, all on one multicast-capable network:
//
//	./searchd --node-name node1 --http-addr :8880 --binary-addr :8881
//	./searchd --node-name node2 --http-addr :8890 --binary-addr :8891
//	./searchd --node-name node3 --http-addr :8900 --binary-addr :8901
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/xapiand/searchd/internal/config"
	"github.com/xapiand/searchd/internal/engine"
	"github.com/xapiand/searchd/internal/gossip"
	"github.com/xapiand/searchd/internal/httpapi"
	"github.com/xapiand/searchd/internal/logging"
	"github.com/xapiand/searchd/internal/metrics"
	"github.com/xapiand/searchd/internal/raft"
	"github.com/xapiand/searchd/internal/replication"
	"github.com/xapiand/searchd/internal/resolver"
	"github.com/xapiand/searchd/internal/schema"
	"github.com/xapiand/searchd/internal/server"
	"github.com/xapiand/searchd/internal/shard"
	"github.com/xapiand/searchd/internal/workerpool"
)

func main() {
	flags := pflag.NewFlagSet("searchd", pflag.ExitOnError)
	config.BindFlags(flags)
	configFile := flags.String("config", "", "optional YAML config file")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags, *configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "searchd:", err)
		os.Exit(1)
	}

	nodeName := cfg.NodeName
	autogen := nodeName == ""
	if autogen {
		nodeName = "node-" + uuid.NewString()[:8]
	}

	logging.Setup(logging.Config{
		Level:      logging.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Output:     os.Stderr,
	})
	log := logging.WithNode(logging.Component("main"), nodeName)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("create data dir")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Shard pool, durable via WAL (§4.D, §4.E) ────────────────────────
	opener := shard.NewDurableOpener(engine.OpenMemDatabase, cfg.DataDir, cfg.WALAutocommitDebounce)
	pool := shard.New(opener, cfg.DataDir, cfg.ReadOnlyPoolCap, cfg.PoolCheckoutTimeout)
	defer pool.Close()

	schemaPersist, err := schema.OpenPersistence(filepath.Join(cfg.DataDir, "schemas.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("open schema snapshot store")
	}
	defer schemaPersist.Close()
	schemas, err := schema.NewStoreWithPersistence(schemaPersist)
	if err != nil {
		log.Fatal().Err(err).Msg("load schema snapshots")
	}

	// ── Worker pool (§4.C) ───────────────────────────────────────────────
	workers := workerpool.New(ctx, cfg.WorkerCount, cfg.WorkerCount*4)

	// ── Gossip membership (§4.G) ─────────────────────────────────────────
	self := gossip.Self{
		Name:        nodeName,
		NameAutogen: autogen,
		Addr:        0,
		HTTPPort:    uint64(portOf(cfg.HTTPAddr)),
		BinaryPort:  uint64(portOf(cfg.BinaryAddr)),
		Region:      cfg.Region,
	}
	g, err := gossip.New(self, cfg.ClusterName, cfg.GossipGroup, cfg.GossipPort, cfg.GossipIface, 5*cfg.HeartbeatInterval, func(reason string) {
		log.Fatal().Str("reason", reason).Msg("gossip forced shutdown")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("start gossip")
	}

	// ── Raft leader election for this node's region (§4.H) ──────────────
	transport := gossipRaftTransport{g: g}
	raftCfg := raft.Config{
		Region:             cfg.Region,
		SelfName:           nodeName,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		KnownMembers:       func() int { return len(g.Table().All()) },
	}
	raftNode := raft.New(raftCfg, transport)
	g.OnRaftMessage(func(m gossip.Message) { raftNode.Deliver(toRaftMessage(m)) })
	go raftNode.Run(ctx)
	raftNodes := map[uint16]*raft.Node{cfg.Region: raftNode}

	// ── Endpoint resolver (§4.I) ─────────────────────────────────────────
	rs := resolver.New(cfg.NumShards, cfg.ResolverInitTimeout, cfg.ResolverOverallTimeout, g.BroadcastDBLookup)
	g.OnDBLookupResponse(func(path, endpoint string, mastery uint64) {
		rs.AddEndpoint(path, resolver.Candidate{Endpoint: endpoint, MasteryLevel: int(mastery)})
	})
	// This node has no notion of per-path ownership below the shard
	// pool it already serves, so every lookup it sees is answered with
	// its own binary endpoint at a flat mastery level; a build that
	// tracked which indices are actually open locally would filter
	// this down to paths found in the pool.
	g.OnDBLookup(func(path string) {
		g.SendDBLookupResponse(path, cfg.BinaryAddr, 1)
	})

	// ── Replication engine (§4.J) ────────────────────────────────────────
	source := replication.NewSource(opener, cfg.DataDir)
	receiver := replication.NewReceiver(opener, cfg.DataDir)

	// ── HTTP API (§4.F, §4.I, §4.H status) ───────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(httpapi.Logger(), httpapi.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"node": nodeName, "status": "ok"})
	})

	apiHandler := httpapi.New(pool, schemas, cfg.NumShards, g, rs, raftNodes, cfg.PoolCheckoutTimeout)
	apiHandler.Register(router)

	// ── Metrics ──────────────────────────────────────────────────────────
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics listener")
		}
	}()

	// ── Server skeleton: HTTP + binary listeners, gossip run loop (§4.K) ─
	srv, err := server.New(cfg.HTTPAddr, cfg.BinaryAddr, router, g, workers, func(conn net.Conn) server.BinaryDispatch {
		return server.BinaryDispatch{
			Receiver: receiver,
			Source:   source,
		}
	}, cfg.ShutdownGrace)
	if err != nil {
		log.Fatal().Err(err).Msg("build server")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown requested")
		cancel()
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server exited")
		}
		return
	}

	// A second signal escalates to an immediate process exit rather than
	// waiting out the drain/force sequence already running inside
	// srv.Run; a third is not distinguished from the second.
	go func() {
		<-quit
		log.Warn().Msg("second signal received, exiting immediately")
		os.Exit(1)
	}()

	if err := <-errCh; err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return p
}

// gossipRaftTransport adapts Gossip's broadcast-only raft message
// path to raft.Transport; there is no unicast primitive over the
// multicast socket, so SendTo broadcasts too and relies on the state
// machine's own term/role guards to ignore messages addressed to
// other nodes (see Gossip.BroadcastRaft's doc comment).
type gossipRaftTransport struct {
	g *gossip.Gossip
}

func (t gossipRaftTransport) Broadcast(region uint16, msg raft.Message) {
	t.send(region, msg)
}

func (t gossipRaftTransport) SendTo(_ string, region uint16, msg raft.Message) {
	t.send(region, msg)
}

func (t gossipRaftTransport) send(region uint16, msg raft.Message) {
	var kind gossip.Kind
	var node string
	switch msg.Kind {
	case raft.RequestVote:
		kind = gossip.KindRequestVote
		node = msg.Candidate
	case raft.ResponseVote:
		kind = gossip.KindResponseVote
		node = msg.From
	case raft.LeaderHeartbeat:
		kind = gossip.KindLeader
		node = msg.Candidate
	}
	t.g.BroadcastRaft(kind, region, msg.Term, node, msg.VoteGranted)
}

// toRaftMessage recovers a raft.Message from the gossip envelope it
// rode in on; NodeName carries whichever identity field the message
// kind actually needs (see gossip.Message's own doc comment).
func toRaftMessage(m gossip.Message) raft.Message {
	var kind raft.MessageKind
	switch m.Kind {
	case gossip.KindRequestVote:
		kind = raft.RequestVote
	case gossip.KindResponseVote:
		kind = raft.ResponseVote
	case gossip.KindLeader:
		kind = raft.LeaderHeartbeat
	}
	return raft.Message{
		Kind:        kind,
		Region:      m.Region,
		Term:        m.Term,
		Candidate:   m.NodeName,
		VoteGranted: m.VoteGranted,
		From:        m.NodeName,
	}
}
