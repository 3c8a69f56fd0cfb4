// Package server implements the server skeleton of spec §4.K: a
// listening TCP socket per protocol (HTTP, binary) plus the gossip UDP
// socket (owned by internal/gossip itself), and the two-stage shutdown
// sequence (drain, then force) spec §4.K and §5 describe.
//
// Go's net package already gives every TCP listener SO_REUSEADDR and
// every accepted *net.TCPConn TCP_NODELAY and SO_KEEPALIVE by default
// (net.ListenConfig/TCPConn set these without the caller asking), so
// unlike original_source/server.cc and servers/server_binary.cc — which
// hand-set each socket option after a raw socket()/bind() — this
// layer only has SetKeepAlive/SetNoDelay calls where Go's defaults
// need confirming, not a full getsockopt/setsockopt dance.
// SO_REUSEPORT/SO_NOSIGPIPE have no portable stdlib equivalent and are
// skipped; a single accept loop per listener serves the purpose
// SO_REUSEPORT's multi-listener load-spreading exists for, since Go's
// goroutine scheduler — not multiple OS-level listeners — is what
// fans accepted connections out across cores here.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/xapiand/searchd/internal/binproto"
	"github.com/xapiand/searchd/internal/gossip"
	"github.com/xapiand/searchd/internal/logging"
	"github.com/xapiand/searchd/internal/reactor"
	"github.com/xapiand/searchd/internal/replication"
	"github.com/xapiand/searchd/internal/workerpool"
)

// BinaryDispatch routes one fully demultiplexed frame either to the
// remote-protocol handler table or to the replication Receiver,
// depending on mode.
type BinaryDispatch struct {
	Receiver *replication.Receiver
	Source   *replication.Source

	// Remote is invoked for ModeRemote frames not otherwise recognized
	// by the replication sub-protocol (RPC kinds this build exposes
	// over the binary connection besides replication).
	Remote func(ctx context.Context, f binproto.Frame) error

	// IndexPath is the index path every inbound replication frame on
	// this connection is applied under. It is set by whoever builds the
	// dispatch; nothing on the connection updates it from the frames.
	IndexPath string

	// Write sends a raw frame back down this same connection, queued
	// through the reactor client's own write loop so replication
	// responses interleave correctly with whatever else is being sent.
	Write func([]byte) error
}

// Server binds and drains the HTTP and binary listeners and runs the
// gossip node until shutdown. It does not own the gossip UDP socket's
// lifecycle beyond calling Run/Bye — internal/gossip.Gossip already
// manages its own conn.
type Server struct {
	httpSrv    *http.Server
	binaryLis  net.Listener
	gossip     *gossip.Gossip
	pool       *workerpool.Pool
	dispatchFn func(conn net.Conn) BinaryDispatch

	shutdownGrace time.Duration
	log           zerolog.Logger

	clientsMu sync.Mutex
	clients   map[*reactor.Client]struct{}
}

// New constructs a Server. router is the fully-registered gin engine;
// dispatchFn builds the per-connection BinaryDispatch (it may close
// over shared Source/Receiver instances).
func New(httpAddr, binaryAddr string, router *gin.Engine, g *gossip.Gossip, pool *workerpool.Pool, dispatchFn func(conn net.Conn) BinaryDispatch, shutdownGrace time.Duration) (*Server, error) {
	binaryLis, err := net.Listen("tcp", binaryAddr)
	if err != nil {
		return nil, fmt.Errorf("server: listen binary %s: %w", binaryAddr, err)
	}
	return &Server{
		httpSrv:       &http.Server{Addr: httpAddr, Handler: router},
		binaryLis:     binaryLis,
		gossip:        g,
		pool:          pool,
		dispatchFn:    dispatchFn,
		shutdownGrace: shutdownGrace,
		log:           logging.Component("server"),
		clients:       make(map[*reactor.Client]struct{}),
	}, nil
}

// Run starts the HTTP listener, the binary accept loop, and the
// gossip node, blocking until ctx is cancelled (first shutdown
// signal) and the drain/force sequence below completes.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 3)

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server: http: %w", err)
		}
	}()

	go s.acceptBinaryLoop()

	go func() {
		if err := s.gossip.Run(ctx); err != nil {
			errCh <- fmt.Errorf("server: gossip: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return s.shutdown()
}

// shutdown runs the two-stage sequence of §4.K: stop accepting and
// announce BYE immediately, let in-flight clients drain up to the
// grace window, then force-close whatever remains.
func (s *Server) shutdown() error {
	s.log.Info().Msg("shutdown: stage 1 (drain)")
	_ = s.binaryLis.Close()
	s.gossip.Bye()

	drainCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()
	_ = s.httpSrv.Shutdown(drainCtx)

	done := make(chan struct{})
	go func() {
		s.waitClients()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("shutdown: all clients drained cleanly")
	case <-drainCtx.Done():
		s.log.Warn().Msg("shutdown: stage 2 (grace exhausted, forcing)")
		s.destroyAllClients()
	}

	s.pool.Shutdown(context.Background())
	return nil
}

func (s *Server) waitClients() {
	s.clientsMu.Lock()
	clients := make([]*reactor.Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()
	for _, c := range clients {
		c.Wait()
	}
}

func (s *Server) destroyAllClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		c.Destroy()
	}
}

func (s *Server) acceptBinaryLoop() {
	for {
		conn, err := s.binaryLis.Accept()
		if err != nil {
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(30 * time.Second)
		}
		s.handleBinaryConn(conn)
	}
}

func (s *Server) handleBinaryConn(conn net.Conn) {
	var client *reactor.Client

	dispatch := s.dispatchFn(conn)
	dispatch.Write = func(b []byte) error { return client.Write(b) }
	queue := workerpool.NewClientQueue(s.pool, conn.RemoteAddr().String())

	parser := reactor.NewBinaryParser(context.Background(), func(ctx context.Context, f binproto.Frame, mode binproto.Mode) error {
		errCh := make(chan error, 1)
		err := queue.Push(func() {
			errCh <- dispatchFrame(ctx, dispatch, f, mode)
		})
		if err != nil {
			return err
		}
		return <-errCh
	})

	client = reactor.New(conn, parser, 0, 0, conn.RemoteAddr().String(), func(err error) {
		s.clientsMu.Lock()
		delete(s.clients, client)
		s.clientsMu.Unlock()
	})

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()
}

func dispatchFrame(ctx context.Context, d BinaryDispatch, f binproto.Frame, mode binproto.Mode) error {
	if mode == binproto.ModeReplication {
		return applyReplicationFrame(ctx, d, f)
	}
	if d.Remote != nil {
		return d.Remote(ctx, f)
	}
	return nil
}
