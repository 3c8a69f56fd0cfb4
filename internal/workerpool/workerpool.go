// Package workerpool implements the bounded worker pool of spec §4.C:
// a single multi-producer/multi-consumer task queue drained by a fixed
// set of goroutines, with reference-counted tasks and a sticky
// Finish(). It is grounded in original_source/threadpool.h's
// Task/WorkQueue/ThreadPool trio (reference-counted tasks, a
// condvar-guarded queue, a fixed pool of worker threads calling
// getWork() in a loop) translated into Go channels and sync
// primitives instead of pthread mutex/condvar pairs.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/xapiand/searchd/internal/logging"
)

// ErrClosed is returned by Submit after Finish has been called.
var ErrClosed = errors.New("workerpool: pool is finished")

// Task is the unit of work. Run is called exactly once by some worker
// goroutine. String identifies the task in logs, mirroring the
// original's Task::showTask().
type Task interface {
	Run(ctx context.Context)
	String() string
}

// TaskFunc adapts a plain function into a Task with a fixed label, the
// common case for one-off submissions that don't need their own type.
type TaskFunc struct {
	Label string
	Fn    func(ctx context.Context)
}

func (f TaskFunc) Run(ctx context.Context) { f.Fn(ctx) }
func (f TaskFunc) String() string          { return f.Label }

// refTask wraps a Task with the reference count the original gives
// every enqueued task: one reference is held by the queue slot itself
// and released after Run returns, so a task referenced elsewhere (e.g.
// a client's pending-frame latch) is not freed early.
type refTask struct {
	task Task
	refs int32
}

func newRefTask(t Task) *refTask { return &refTask{task: t, refs: 1} }

func (rt *refTask) incRef() { atomic.AddInt32(&rt.refs, 1) }
func (rt *refTask) relRef() int32 {
	return atomic.AddInt32(&rt.refs, -1)
}

// Pool is a fixed-size goroutine pool draining one shared queue.
type Pool struct {
	tasks  chan *refTask
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	finished bool

	// admission bounds how many tasks may be outstanding — queued or
	// running — at once, independent of the channel's own buffering;
	// Submit blocks on it the same way a caller pushing work into the
	// original's condvar-guarded WorkQueue blocks once it's full.
	admission *semaphore.Weighted

	log zerolog.Logger
}

// New starts a pool of n worker goroutines, each pulling from a shared
// unbounded-ish queue of the given capacity. Outstanding task
// admission (queued plus currently running) is capped at
// queueCap+n so Submit applies backpressure even when the channel
// itself still has headroom.
func New(ctx context.Context, n, queueCap int) *Pool {
	pctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		tasks:     make(chan *refTask, queueCap),
		ctx:       pctx,
		cancel:    cancel,
		admission: semaphore.NewWeighted(int64(queueCap + n)),
		log:       logging.Component("workerpool"),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case rt, ok := <-p.tasks:
			if !ok {
				return
			}
			p.run(rt)
		}
	}
}

func (p *Pool) run(rt *refTask) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("task", rt.task.String()).Msg("task panicked")
		}
		rt.relRef()
		p.admission.Release(1)
	}()
	rt.task.Run(p.ctx)
}

// Submit enqueues t for execution. It returns ErrClosed if Finish has
// already been called; queued tasks still drain after Finish, but no
// new ones are accepted (the "sticky finish" rule of §4.C). Submit
// blocks until a slot within the outstanding-admission bound frees up
// or ctx is cancelled.
func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	if err := p.admission.Acquire(p.ctx, 1); err != nil {
		return ErrClosed
	}

	select {
	case p.tasks <- newRefTask(t):
		return nil
	case <-p.ctx.Done():
		p.admission.Release(1)
		return ErrClosed
	}
}

// Finish marks the pool closed to new submissions. Already-queued
// tasks continue to drain.
func (p *Pool) Finish() {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	close(p.tasks)
	p.mu.Unlock()
}

// Join blocks until Finish has been called, the queue has drained, and
// every worker has returned.
func (p *Pool) Join() {
	p.wg.Wait()
}

// Shutdown is Finish followed by Join, with ctx bounding how long Join
// is allowed to take before workers are force-cancelled.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Finish()
	done := make(chan struct{})
	go func() {
		p.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
	}
}
