// Package resolver implements the endpoint resolver of spec §4.I: a
// per-path NEW→WAITING→READY/TIMED_OUT state machine that collects
// candidate endpoints from gossip DB-lookup replies and wakes waiters
// on a growth-factor schedule. It is grounded directly in
// original_source/endpoint_resolver.cc's EndpointList::add_endpoint
// and resolve_endpoint (recursive mutex + condvar, init_timeout then
// ×3 growth, ×2 when a reply raises the observed max mastery level),
// translated to Go's sync.Cond.
package resolver

import (
	"sort"
	"sync"
	"time"
)

// State is a resolution's position in the lifecycle table of §4.I.
type State int

const (
	StateNew State = iota
	StateWaiting
	StateReady
	StateTimedOut
)

// Candidate is one endpoint reply collected for a path.
type Candidate struct {
	Endpoint     string
	MasteryLevel int
}

// entry is the per-path resolution state, guarded by its own mutex
// and condition variable exactly as the original's EndpointList is.
type entry struct {
	mu   sync.Mutex
	cond *sync.Cond

	state State

	initTime       time.Time
	nextWake       time.Time
	maxMasteryLevel int

	candidates []Candidate
	broadcast  func(path string)
	path       string
}

// Resolver caches one entry per path so repeated lookups on a READY
// path short-circuit, per §4.I's caching semantics.
type Resolver struct {
	mu      sync.Mutex
	entries map[string]*entry

	n              int
	initTimeout    time.Duration
	overallTimeout time.Duration
	broadcast      func(path string)
}

// New constructs a Resolver. n is the target candidate count;
// broadcast is called (at most once per NEW resolution) to fan out
// the DB-lookup gossip request for a path.
func New(n int, initTimeout, overallTimeout time.Duration, broadcast func(path string)) *Resolver {
	return &Resolver{
		entries:        make(map[string]*entry),
		n:              n,
		initTimeout:    initTimeout,
		overallTimeout: overallTimeout,
		broadcast:      broadcast,
	}
}

func (r *Resolver) entryFor(path string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[path]
	if !ok {
		e = &entry{path: path, broadcast: r.broadcast}
		e.cond = sync.NewCond(&e.mu)
		r.entries[path] = e
	}
	return e
}

// Resolve blocks until the path's resolution reaches READY or
// TIMED_OUT, then returns up to n candidates ranked by descending
// mastery level.
func (r *Resolver) Resolve(path string) ([]Candidate, State) {
	e := r.entryFor(path)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateNew {
		e.initTime = time.Now()
		e.nextWake = e.initTime.Add(r.initTimeout)
		e.state = StateWaiting
		if e.broadcast != nil {
			go e.broadcast(path)
		}
	}

	for e.state == StateWaiting {
		wait := time.Until(e.nextWake)
		if wait <= 0 {
			r.evaluateWaitLocked(e)
			continue
		}
		waitOnTimer(e.cond, wait)
	}

	return topCandidates(e.candidates, r.n), e.state
}

// evaluateWaitLocked applies the WAITING exit rule of §4.I: timed out,
// ready, or extend-and-keep-waiting. Caller holds e.mu.
func (r *Resolver) evaluateWaitLocked(e *entry) {
	elapsed := time.Since(e.initTime)
	if elapsed >= r.overallTimeout {
		e.state = StateTimedOut
		e.cond.Broadcast()
		return
	}
	if len(e.candidates) >= r.n {
		e.state = StateReady
		e.cond.Broadcast()
		return
	}
	factor := 3.0
	if e.maxMasteryLevel > 0 {
		factor = 2.0
	}
	extended := e.initTime.Add(time.Duration(float64(elapsed) * factor))
	deadline := e.initTime.Add(r.overallTimeout)
	if extended.After(deadline) {
		extended = deadline
	}
	e.nextWake = extended
}

// waitOnTimer blocks on cond for at most d. sync.Cond has no built-in
// timeout, so this arms a one-shot timer that broadcasts the condvar
// when it fires; the caller's own Wait loop re-checks its exit
// condition once woken, whether by the timer or a real update.
func waitOnTimer(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, cond.Broadcast)
	defer timer.Stop()
	cond.Wait()
}

// AddEndpoint is called by the gossip DB-lookup response handler for
// every reply. A newly observed higher mastery level shortens the
// growth factor for the next wake, per §4.I.
func (r *Resolver) AddEndpoint(path string, c Candidate) {
	e := r.entryFor(path)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.candidates = append(e.candidates, c)

	if e.state != StateWaiting {
		e.cond.Broadcast()
		return
	}

	elapsed := time.Since(e.initTime)
	if elapsed >= r.overallTimeout {
		e.state = StateTimedOut
		e.cond.Broadcast()
		return
	}

	factor := 3.0
	if c.MasteryLevel > e.maxMasteryLevel {
		e.maxMasteryLevel = c.MasteryLevel
		factor = 2.0
	}
	candidateWake := e.initTime.Add(time.Duration(float64(elapsed) * factor))
	deadline := e.initTime.Add(r.overallTimeout)
	if candidateWake.After(deadline) {
		candidateWake = deadline
	}
	e.nextWake = candidateWake
	e.cond.Broadcast()
}

func topCandidates(cands []Candidate, n int) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	sort.Slice(out, func(i, j int) bool { return out[i].MasteryLevel > out[j].MasteryLevel })
	if len(out) > n {
		out = out[:n]
	}
	return out
}
