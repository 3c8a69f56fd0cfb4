package wal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xapiand/searchd/internal/engine"
	"github.com/xapiand/searchd/internal/logging"
	"github.com/xapiand/searchd/internal/metrics"
)

// Committer debounces commits for a single shard: every mutation
// schedules a commit after debounce, and repeated mutations before
// that timer fires collapse into the one pending commit (§4.E
// "Autocommit"). A commit failure logs a warning and leaves the
// database open for the next scheduled attempt, rather than treating
// it as fatal.
type Committer struct {
	db       engine.Database
	debounce time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	closed  bool
}

// NewCommitter starts a committer bound to db. Call Schedule after
// every mutation; call Stop during shard shutdown.
func NewCommitter(db engine.Database, debounce time.Duration) *Committer {
	return &Committer{
		db:       db,
		debounce: debounce,
		log:      logging.Component("committer"),
	}
}

// Schedule arms (or re-arms) the debounce timer. Multiple calls before
// the timer fires are collapsed into a single commit.
func (c *Committer) Schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.pending = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.fire)
}

func (c *Committer) fire() {
	c.mu.Lock()
	if c.closed || !c.pending {
		c.mu.Unlock()
		return
	}
	c.pending = false
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.db.Commit(ctx); err != nil {
		metrics.WALCommitsTotal.WithLabelValues("error").Inc()
		c.log.Warn().Err(err).Msg("autocommit failed, shard remains open for retry")
		return
	}
	metrics.WALCommitsTotal.WithLabelValues("ok").Inc()
}

// Flush cancels any pending timer and commits synchronously, used on
// graceful shard shutdown so no debounced mutation is lost.
func (c *Committer) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	hadPending := c.pending
	c.pending = false
	c.mu.Unlock()

	if !hadPending {
		return nil
	}
	if err := c.db.Commit(ctx); err != nil {
		metrics.WALCommitsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.WALCommitsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Stop disables further scheduling. Safe to call more than once.
func (c *Committer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
}
