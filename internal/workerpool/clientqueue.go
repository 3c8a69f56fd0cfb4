package workerpool

import (
	"context"
	"sync"
)

// ClientQueue serialises a single client's frames through the pool
// while still letting other clients' frames interleave freely. It
// implements the "running latch" of §4.C: Push appends a frame job;
// if no drain task is currently running for this client one is
// submitted, otherwise the new job simply waits in line for the
// in-flight task to reach it.
type ClientQueue struct {
	pool *Pool
	name string

	mu      sync.Mutex
	running bool
	pending []func()
}

// NewClientQueue binds a per-client ordering queue to pool. name is
// used only for task labeling in logs.
func NewClientQueue(pool *Pool, name string) *ClientQueue {
	return &ClientQueue{pool: pool, name: name}
}

// Push enqueues job to run after every job already queued for this
// client, preserving arrival order. It only blocks the caller when
// the pool's own outstanding-task admission bound is saturated,
// applying backpressure to whoever is pushing frames in rather than
// growing memory unboundedly.
func (q *ClientQueue) Push(job func()) error {
	q.mu.Lock()
	q.pending = append(q.pending, job)
	alreadyRunning := q.running
	q.running = true
	q.mu.Unlock()

	if alreadyRunning {
		return nil
	}
	return q.pool.Submit(TaskFunc{
		Label: "client-drain:" + q.name,
		Fn:    func(ctx context.Context) { q.drain() },
	})
}

func (q *ClientQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		job()
	}
}
