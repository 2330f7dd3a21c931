package scanner

import "sync"

// TerminationGuard implements the noisy-driver reconciliation rule in
// spec §4.4.1: a per-job "terminated" flag, monotonic, protected by a
// mutex, so that redundant driver signals (feeder-empty after completion,
// error-after-stop) never produce a second terminal event. Every backend
// holds a single guard, which tracks each in-flight request id separately.
//
// The design note in spec §9 warns against mapping this to cross-thread
// exceptions; a guarded boolean transition is the idiomatic Go equivalent.
type TerminationGuard struct {
	mu          sync.Mutex
	terminated  map[string]bool
	pagesSeen   map[string]int
}

// NewTerminationGuard constructs an empty guard.
func NewTerminationGuard() *TerminationGuard {
	return &TerminationGuard{
		terminated: make(map[string]bool),
		pagesSeen:  make(map[string]int),
	}
}

// Begin registers requestID as live (not yet terminated).
func (g *TerminationGuard) Begin(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.terminated[requestID] = false
	g.pagesSeen[requestID] = 0
}

// RecordPage increments the page counter for requestID and reports whether
// the job is still live (false once terminated — callers must suppress the
// page in that case).
func (g *TerminationGuard) RecordPage(requestID string) (ordinal int, live bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.terminated[requestID] {
		return 0, false
	}
	g.pagesSeen[requestID]++
	return g.pagesSeen[requestID], true
}

// PagesSoFar returns how many pages have been recorded for requestID.
func (g *TerminationGuard) PagesSoFar(requestID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pagesSeen[requestID]
}

// TryTerminate attempts to transition requestID to terminated. It returns
// true exactly once per requestID (first-writer-wins); subsequent calls
// for the same id return false and the caller MUST suppress the event.
func (g *TerminationGuard) TryTerminate(requestID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.terminated[requestID] {
		return false
	}
	g.terminated[requestID] = true
	return true
}

// IsFeederEmptyAfterPages reports whether a "feeder empty"/"no media"
// condition arriving for requestID should be treated as normal completion
// rather than an error, per spec §4.4.1: true once at least one page has
// been transferred.
func (g *TerminationGuard) IsFeederEmptyAfterPages(requestID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pagesSeen[requestID] > 0
}

// Forget releases bookkeeping for requestID once its terminal event has
// been emitted and consumed.
func (g *TerminationGuard) Forget(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.terminated, requestID)
	delete(g.pagesSeen, requestID)
}
