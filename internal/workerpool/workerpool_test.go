package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := New(context.Background(), 4, 16)
	defer p.Shutdown(context.Background())

	var n int32
	for i := 0; i < 20; i++ {
		err := p.Submit(TaskFunc{
			Label: "inc",
			Fn:    func(ctx context.Context) { atomic.AddInt32(&n, 1) },
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&n) == 20 }, time.Second, time.Millisecond)
}

func TestPool_FinishRejectsNewSubmissions(t *testing.T) {
	p := New(context.Background(), 2, 4)

	p.Finish()
	err := p.Submit(TaskFunc{Label: "late", Fn: func(ctx context.Context) {}})
	assert.ErrorIs(t, err, ErrClosed)

	p.Join()
}

func TestPool_FinishDrainsQueuedTasks(t *testing.T) {
	p := New(context.Background(), 1, 8)

	var n int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(TaskFunc{
			Label: "inc",
			Fn:    func(ctx context.Context) { atomic.AddInt32(&n, 1) },
		}))
	}
	p.Finish()
	p.Join()

	assert.Equal(t, int32(5), atomic.LoadInt32(&n))
}

func TestPool_PanicInTaskDoesNotKillWorker(t *testing.T) {
	p := New(context.Background(), 1, 4)
	defer p.Shutdown(context.Background())

	require.NoError(t, p.Submit(TaskFunc{
		Label: "panics",
		Fn:    func(ctx context.Context) { panic("boom") },
	}))

	var ran int32
	require.NoError(t, p.Submit(TaskFunc{
		Label: "survives",
		Fn:    func(ctx context.Context) { atomic.StoreInt32(&ran, 1) },
	}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, time.Millisecond)
}

func TestPool_SubmitBlocksWhenAdmissionSaturated(t *testing.T) {
	p := New(context.Background(), 1, 1)
	defer p.Shutdown(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(TaskFunc{Label: "blocker", Fn: func(ctx context.Context) {
		close(started)
		<-block
	}}))
	<-started
	require.NoError(t, p.Submit(TaskFunc{Label: "filler", Fn: func(ctx context.Context) {}}))

	submitted := make(chan error, 1)
	go func() { submitted <- p.Submit(TaskFunc{Label: "over-admission", Fn: func(ctx context.Context) {}}) }()

	select {
	case <-submitted:
		t.Fatal("Submit should block while admission bound (queueCap+n=2) is saturated")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	require.NoError(t, <-submitted)
}

func TestClientQueue_PreservesOrderPerClient(t *testing.T) {
	p := New(context.Background(), 8, 32)
	defer p.Shutdown(context.Background())

	q := NewClientQueue(p, "client-1")

	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		err := q.Push(func() {
			order = append(order, i)
			if i == 9 {
				close(done)
			}
		})
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client queue to drain")
	}

	expected := make([]int, 10)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
}

func TestClientQueue_DoesNotDoubleSubmitWhileRunning(t *testing.T) {
	p := New(context.Background(), 1, 32)
	defer p.Shutdown(context.Background())

	q := NewClientQueue(p, "client-2")

	block := make(chan struct{})
	var started int32
	require.NoError(t, q.Push(func() {
		atomic.AddInt32(&started, 1)
		<-block
	}))

	// Pushed while the first job is still running; must not spawn a
	// second drain task (ClientQueue.running stays true).
	require.NoError(t, q.Push(func() {}))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 1 }, time.Second, time.Millisecond)
	// The single worker is busy in the first drain, so a second drain
	// task, had one been submitted, would still sit in the pool's queue.
	assert.Equal(t, 0, len(p.tasks), "the second Push must not submit another drain task")
	close(block)
}
