package resolver

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_ReadyWhenEnoughCandidatesArrive(t *testing.T) {
	var broadcasts int32
	r := New(2, 5*time.Millisecond, time.Second, func(path string) {
		atomic.AddInt32(&broadcasts, 1)
	})

	done := make(chan struct{})
	var got []Candidate
	var state State
	go func() {
		got, state = r.Resolve("/index/logs")
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	r.AddEndpoint("/index/logs", Candidate{Endpoint: "node-a", MasteryLevel: 1})
	r.AddEndpoint("/index/logs", Candidate{Endpoint: "node-b", MasteryLevel: 3})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("resolve did not complete")
	}

	assert.Equal(t, StateReady, state)
	require.Len(t, got, 2)
	assert.Equal(t, "node-b", got[0].Endpoint, "ranked by descending mastery level")
	assert.Equal(t, int32(1), atomic.LoadInt32(&broadcasts))
}

func TestResolver_TimesOutWithoutEnoughCandidates(t *testing.T) {
	r := New(5, 5*time.Millisecond, 30*time.Millisecond, func(path string) {})

	_, state := r.Resolve("/index/empty")
	assert.Equal(t, StateTimedOut, state)
}

func TestResolver_SubsequentCallOnReadyPathShortCircuits(t *testing.T) {
	r := New(1, 5*time.Millisecond, time.Second, func(path string) {})

	done := make(chan struct{})
	go func() {
		r.Resolve("/index/cached")
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	r.AddEndpoint("/index/cached", Candidate{Endpoint: "node-a", MasteryLevel: 1})
	<-done

	start := time.Now()
	got, state := r.Resolve("/index/cached")
	assert.Less(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, StateReady, state)
	assert.Len(t, got, 1)
}

func TestResolver_AddEndpointCanExtendNextWakeBackOut(t *testing.T) {
	r := New(100, time.Hour, time.Hour, func(string) {})
	e := r.entryFor("/index/extend")

	e.mu.Lock()
	e.state = StateWaiting
	e.initTime = time.Now().Add(-100 * time.Millisecond)
	e.nextWake = e.initTime.Add(10 * time.Second)
	e.mu.Unlock()

	// Low-mastery reply at elapsed~100ms still raises the max mastery
	// level from 0 to 1, so factor 2: shortens nextWake to roughly
	// initTime+200ms.
	r.AddEndpoint("/index/extend", Candidate{Endpoint: "low", MasteryLevel: 1})
	e.mu.Lock()
	afterLow := e.nextWake
	e.mu.Unlock()

	time.Sleep(150 * time.Millisecond)

	// Higher-mastery reply at elapsed~250ms, factor 2: candidateWake is
	// now initTime+500ms, which is *later* than afterLow. The original
	// (original_source/endpoint_resolver.cc) unconditionally overwrites
	// next_wake on every add_endpoint call, so this must push the wake
	// back out rather than leave it stuck at the earlier, shorter value.
	r.AddEndpoint("/index/extend", Candidate{Endpoint: "high", MasteryLevel: 10})
	e.mu.Lock()
	afterHigh := e.nextWake
	e.mu.Unlock()

	assert.True(t, afterHigh.After(afterLow), "a later higher-mastery reply must be able to extend nextWake, not only shorten it")
}

func TestResolver_HigherMasteryShortensGrowthFactor(t *testing.T) {
	r := New(100, 2*time.Millisecond, 200*time.Millisecond, func(path string) {})

	done := make(chan struct{})
	go func() {
		r.Resolve("/index/mastery")
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	r.AddEndpoint("/index/mastery", Candidate{Endpoint: "a", MasteryLevel: 5})

	e := r.entryFor("/index/mastery")
	e.mu.Lock()
	wakeOffset := e.nextWake.Sub(e.initTime)
	elapsed := time.Since(e.initTime)
	e.mu.Unlock()
	assert.LessOrEqual(t, wakeOffset, 2*elapsed, "a reply raising the max mastery level grows the wait by factor 2, not 3")

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("resolve never woke after a higher-mastery candidate arrived")
	}
}
