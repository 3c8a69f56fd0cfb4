// Package httpapi wires up the Gin HTTP router for document CRUD and
// cluster introspection, replacing the teacher's KV-oriented
// internal/api with document/shard/cluster semantics while keeping
// its Handler-struct-plus-Register(*gin.Engine) shape and its flat
// gin.H JSON error bodies.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xapiand/searchd/internal/apperror"
	"github.com/xapiand/searchd/internal/engine"
	"github.com/xapiand/searchd/internal/gossip"
	"github.com/xapiand/searchd/internal/metrics"
	"github.com/xapiand/searchd/internal/raft"
	"github.com/xapiand/searchd/internal/resolver"
	"github.com/xapiand/searchd/internal/schema"
	"github.com/xapiand/searchd/internal/shard"
)

// Handler holds every dependency the HTTP surface needs. It never
// touches a reactor client directly — gin's own net/http server is
// this build's HTTP listener, independent of the binary protocol's
// reactor/workerpool path (§4.K binds them as separate listening
// sockets).
type Handler struct {
	pool     *shard.Pool
	schemas  *schema.Store
	numShard int

	gossip   *gossip.Gossip
	resolver *resolver.Resolver
	raft     map[uint16]*raft.Node

	checkoutTimeout time.Duration
}

// New constructs a Handler over the given collaborators. raftNodes may
// be nil if this build runs no election regions.
func New(pool *shard.Pool, schemas *schema.Store, numShards int, g *gossip.Gossip, rs *resolver.Resolver, raftNodes map[uint16]*raft.Node, checkoutTimeout time.Duration) *Handler {
	return &Handler{
		pool: pool, schemas: schemas, numShard: numShards,
		gossip: g, resolver: rs, raft: raftNodes,
		checkoutTimeout: checkoutTimeout,
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r *gin.Engine) {
	idx := r.Group("/index/:index")
	idx.POST("/doc", h.AddDocument)
	idx.PUT("/doc/:id", h.ReplaceDocument)
	idx.GET("/doc/:id", h.GetDocument)
	idx.DELETE("/doc/:id", h.DeleteDocument)

	cluster := r.Group("/cluster")
	cluster.GET("/nodes", h.ListNodes)
	cluster.GET("/resolve/:path", h.ResolveEndpoint)
	cluster.GET("/raft/:region", h.RaftStatus)
}

func shardKey(index string, shardNum int) string {
	return index + "/shard-" + strconv.Itoa(shardNum)
}

// AddDocument handles POST /index/:index/doc: routes a new document to
// the writable shard with the smallest doc count (§4.D) and indexes
// it, assigning a fresh docid.
func (h *Handler) AddDocument(c *gin.Context) {
	index := c.Param("index")

	var fields engine.Fields
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reg := h.schemas.For(index)
	for name, val := range fields {
		if _, err := reg.FieldFor(name, val); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	if err := h.schemas.Persist(index); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	shardNum, db, err := h.pickWritableShard(c.Request.Context(), index)
	if err != nil {
		c.JSON(apperror.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	defer db.Checkin()

	var id engine.DocID
	err = shard.WithRetry(c.Request.Context(), db, 3, func(ctx context.Context, d engine.Database) error {
		var aerr error
		id, aerr = d.AddDocument(ctx, 0, fields)
		return aerr
	})
	if err != nil {
		c.JSON(apperror.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	global := shard.GlobalDocID(shardNum, id, h.numShard)
	c.JSON(http.StatusCreated, gin.H{"id": global, "shard": shardNum})
}

// pickWritableShard checks out a writable handle for every shard of
// index and returns the one with the smallest doc count, per §4.D's
// writable-shard-picking rule, releasing the handles it didn't choose.
func (h *Handler) pickWritableShard(ctx context.Context, index string) (int, *shard.Handle, error) {
	type candidate struct {
		num int
		h   *shard.Handle
	}
	var cands []candidate
	for i := 0; i < h.numShard; i++ {
		hd, err := h.pool.Checkout(ctx, shardKey(index, i), true)
		if err != nil {
			for _, cd := range cands {
				cd.h.Checkin()
			}
			return 0, nil, err
		}
		cands = append(cands, candidate{num: i, h: hd})
	}

	candidates := make([]shard.ActiveShard, len(cands))
	for i, cd := range cands {
		candidates[i] = shard.ActiveShard{Index: i, DB: cd.h.DB()}
	}
	bestPos, err := shard.PickWritable(ctx, candidates)
	if err != nil {
		for _, cd := range cands {
			cd.h.Checkin()
		}
		return 0, nil, err
	}
	for i, cd := range cands {
		if i == bestPos {
			continue
		}
		cd.h.Checkin()
	}
	return cands[bestPos].num, cands[bestPos].h, nil
}

func (h *Handler) resolveShard(index string, id engine.DocID) (int, engine.DocID) {
	return shard.RouteByDocID(id, h.numShard)
}

// GetDocument handles GET /index/:index/doc/:id.
func (h *Handler) GetDocument(c *gin.Context) {
	index := c.Param("index")
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	shardNum, localID := h.resolveShard(index, id)
	hd, err := h.pool.Checkout(c.Request.Context(), shardKey(index, shardNum), false)
	if err != nil {
		c.JSON(apperror.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	defer hd.Checkin()

	terms, err := hd.DB().TermList(c.Request.Context(), localID)
	if err != nil {
		c.JSON(apperror.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "shard": shardNum, "terms": terms})
}

// ReplaceDocument handles PUT /index/:index/doc/:id.
func (h *Handler) ReplaceDocument(c *gin.Context) {
	index := c.Param("index")
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var fields engine.Fields
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reg := h.schemas.For(index)
	for name, val := range fields {
		if _, err := reg.FieldFor(name, val); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	if err := h.schemas.Persist(index); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	shardNum, localID := h.resolveShard(index, id)
	hd, err := h.pool.Checkout(c.Request.Context(), shardKey(index, shardNum), true)
	if err != nil {
		c.JSON(apperror.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	defer hd.Checkin()

	err = shard.WithRetry(c.Request.Context(), hd, 3, func(ctx context.Context, d engine.Database) error {
		return d.ReplaceDocument(ctx, localID, fields)
	})
	if err != nil {
		c.JSON(apperror.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "shard": shardNum})
}

// DeleteDocument handles DELETE /index/:index/doc/:id.
func (h *Handler) DeleteDocument(c *gin.Context) {
	index := c.Param("index")
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	shardNum, localID := h.resolveShard(index, id)
	hd, err := h.pool.Checkout(c.Request.Context(), shardKey(index, shardNum), true)
	if err != nil {
		c.JSON(apperror.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	defer hd.Checkin()

	err = shard.WithRetry(c.Request.Context(), hd, 3, func(ctx context.Context, d engine.Database) error {
		return d.DeleteDocument(ctx, localID)
	})
	if err != nil {
		c.JSON(apperror.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// ListNodes handles GET /cluster/nodes: the gossip-discovered
// membership view.
func (h *Handler) ListNodes(c *gin.Context) {
	if h.gossip == nil {
		c.JSON(http.StatusOK, gin.H{"nodes": []gossip.Node{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": h.gossip.Table().All()})
}

// ResolveEndpoint handles GET /cluster/resolve/:path: runs the
// endpoint resolver's NEW→WAITING→READY/TIMED_OUT state machine for a
// path and returns the ranked candidates collected so far.
func (h *Handler) ResolveEndpoint(c *gin.Context) {
	if h.resolver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "resolver not configured"})
		return
	}
	path := c.Param("path")

	timer := metrics.NewTimer()
	candidates, state := h.resolver.Resolve(path)
	timer.ObserveSeconds(metrics.ResolverWaitDuration)
	metrics.ResolverResultsTotal.WithLabelValues(stateLabel(state)).Inc()

	c.JSON(http.StatusOK, gin.H{
		"path":       path,
		"state":      stateLabel(state),
		"candidates": candidates,
	})
}

func stateLabel(s resolver.State) string {
	switch s {
	case resolver.StateReady:
		return "ready"
	case resolver.StateTimedOut:
		return "timed_out"
	case resolver.StateWaiting:
		return "waiting"
	default:
		return "new"
	}
}

// RaftStatus handles GET /cluster/raft/:region: this node's view of
// the region's election state.
func (h *Handler) RaftStatus(c *gin.Context) {
	region, err := strconv.ParseUint(c.Param("region"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid region"})
		return
	}
	node, ok := h.raft[uint16(region)]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown region"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"region": region,
		"role":   node.Role().String(),
		"term":   node.Term(),
		"leader": node.LeaderName(),
	})
}

// NewDocumentUUID generates a random UUID used to pick a shard for a
// term-routed insert with a reserved numeric-ID prefix but docid == 0,
// per §4.D: "generate candidate UUIDs until one hashes to a shard
// currently on an active node."
func NewDocumentUUID() string {
	return uuid.NewString()
}
