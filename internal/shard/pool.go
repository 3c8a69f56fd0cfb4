package shard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xapiand/searchd/internal/apperror"
	"github.com/xapiand/searchd/internal/engine"
	"github.com/xapiand/searchd/internal/metrics"
)

// Handle is a checked-out engine.Database plus the bookkeeping the
// pool needs to check it back in and to decide whether it needs a
// reopen before its next use.
type Handle struct {
	pool     *Pool
	key      string
	writable bool

	db engine.Database
}

// DB exposes the underlying engine handle for callers to operate on.
func (h *Handle) DB() engine.Database { return h.db }

// Checkin returns h to its pool without closing it. Safe to call at
// most once per checkout.
func (h *Handle) Checkin() {
	h.pool.checkin(h)
}

// poolKey identifies one independently-pooled resource: a shard path
// plus the writability mode it was opened under. Writable and
// read-only checkouts of the same shard path are never
// interchangeable — spec §4.D's single-writer invariant requires the
// one canonical writable engine.Database to never be handed out (or
// recycled) as if it were one of the read-only pool's several
// independent instances, so each mode gets its own entry, free list
// and waiter queue.
type poolKey struct {
	name     string
	writable bool
}

// entry is one poolKey's bookkeeping: how many handles have been
// opened for it (at most one for writable, up to readOnlyCap for
// read-only) and the free list available for immediate reuse.
type entry struct {
	count   int
	free    []*Handle
	waiters []chan struct{}
}

// Pool implements the checkout/checkin contract of spec §4.D: a
// writable handle is unique per key (blocking checkouts serialize
// behind it), read-only handles are bounded by a soft cap above which
// they behave like writable checkouts.
type Pool struct {
	mu      sync.Mutex
	entries map[poolKey]*entry

	opener      engine.Opener
	dataDir     string
	readOnlyCap int
	timeout     time.Duration
}

// New constructs a DatabasePool. opener is used to open or create the
// per-shard engine.Database the first time a key is seen.
func New(opener engine.Opener, dataDir string, readOnlyCap int, checkoutTimeout time.Duration) *Pool {
	return &Pool{
		entries:     make(map[poolKey]*entry),
		opener:      opener,
		dataDir:     dataDir,
		readOnlyCap: readOnlyCap,
		timeout:     checkoutTimeout,
	}
}

func (p *Pool) pathFor(key string) string {
	return fmt.Sprintf("%s/%s", p.dataDir, key)
}

// Checkout returns a handle for key, opening the underlying database
// on first use. Writable checkouts are exclusive per key; blocked
// callers wait up to the pool's configured timeout before getting a
// KindDatabase "timed out" error.
func (p *Pool) Checkout(ctx context.Context, key string, writable bool) (*Handle, error) {
	timer := metrics.NewTimer()
	label := "readonly"
	if writable {
		label = "writable"
	}
	defer func() {
		timer.ObserveSeconds(metrics.PoolCheckoutDuration.WithLabelValues(label))
	}()

	for {
		h, wait, err := p.tryCheckout(ctx, key, writable)
		if err != nil {
			metrics.PoolCheckoutsTotal.WithLabelValues(label, "error").Inc()
			return nil, err
		}
		if h != nil {
			metrics.PoolCheckoutsTotal.WithLabelValues(label, "ok").Inc()
			return h, nil
		}

		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		select {
		case <-wait:
			cancel()
		case <-cctx.Done():
			cancel()
			metrics.PoolCheckoutsTotal.WithLabelValues(label, "busy").Inc()
			return nil, apperror.Newf(apperror.KindDatabase, "shard.Checkout", "checkout of %q timed out", key)
		}
	}
}

// tryCheckout attempts one non-blocking checkout attempt. It returns a
// handle on success, or a channel to wait on before retrying, or an
// error for a hard failure (open error). The free list, waiter queue
// and count it consults all belong to key's (key, writable) entry
// alone, so a recycled *Handle always matches the requested mode.
func (p *Pool) tryCheckout(ctx context.Context, key string, writable bool) (*Handle, chan struct{}, error) {
	p.mu.Lock()

	pk := poolKey{name: key, writable: writable}
	e, ok := p.entries[pk]
	if !ok {
		e = &entry{}
		p.entries[pk] = e
	}

	if len(e.free) > 0 {
		h := e.free[len(e.free)-1]
		e.free = e.free[:len(e.free)-1]
		p.mu.Unlock()
		return h, nil, nil
	}

	cap := 1
	if !writable {
		cap = p.readOnlyCap
	}

	if e.count < cap {
		e.count++
		p.mu.Unlock()
		return p.open(ctx, key, writable, e)
	}

	wait := make(chan struct{})
	e.waiters = append(e.waiters, wait)
	p.mu.Unlock()
	return nil, wait, nil
}

func (p *Pool) open(ctx context.Context, key string, writable bool, e *entry) (*Handle, chan struct{}, error) {
	db, err := p.opener(ctx, p.pathFor(key), writable)
	if err != nil {
		p.mu.Lock()
		e.count--
		p.mu.Unlock()
		return nil, nil, apperror.New(apperror.KindDatabaseClosed, "shard.open", err)
	}
	return &Handle{pool: p, key: key, writable: writable, db: db}, nil, nil
}

func (p *Pool) checkin(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pk := poolKey{name: h.key, writable: h.writable}
	e, ok := p.entries[pk]
	if !ok {
		return
	}
	e.free = append(e.free, h)

	if len(e.waiters) > 0 {
		w := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(w)
	}
}

// Close tears down every entry's free handles. Checked-out handles
// still in flight are not forcibly closed; callers are expected to
// finish and check them in first.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, e := range p.entries {
		for _, h := range e.free {
			if err := h.db.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		e.free = nil
	}
	return firstErr
}

// WithRetry runs fn against h's database up to maxAttempts times,
// reopening the handle between attempts when the error is retriable
// per spec §4.D ("database has been closed" and transient errors close
// and reopen before retrying).
func WithRetry(ctx context.Context, h *Handle, maxAttempts int, fn func(ctx context.Context, db engine.Database) error) error {
	reopen := func(ctx context.Context) error {
		if err := h.db.Close(); err != nil {
			return err
		}
		db, err := h.pool.opener(ctx, h.pool.pathFor(h.key), h.writable)
		if err != nil {
			return err
		}
		h.db = db
		return nil
	}

	return apperror.Retry(ctx, maxAttempts, reopen, func(ctx context.Context) error {
		return fn(ctx, h.db)
	})
}
