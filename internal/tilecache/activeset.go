package tilecache

import (
	"sync"
	"time"
)

// ActiveSet tracks which keys currently have a producer in flight. It is
// the single-flight barrier: at most one producer may hold a key at a
// time. Membership is marked by producers before work starts and cleared
// (with a broadcast) when work ends, whether by completion or abort.
//
// The condition variable doubles as the coordination point for
// get_deadline's bounded waits and get_quick's "wait while active, return
// early if the artifact appears" behavior. Callers must never hold the
// lock while a producer does its actual work (see design notes: "do not
// hold the lock across producer work").
type ActiveSet struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active map[Key]struct{}
	zoom   zoomState
}

// NewActiveSet returns an empty ActiveSet ready for use.
func NewActiveSet() *ActiveSet {
	a := &ActiveSet{active: make(map[Key]struct{}), zoom: newZoomState()}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Contains reports whether k currently has a producer in flight.
func (a *ActiveSet) Contains(k Key) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[k]
	return ok
}

// Len reports the number of keys currently active, for diagnostics.
func (a *ActiveSet) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// Mark records k as active. Returns false without marking if k was
// already active (the caller should treat that as "someone else owns
// this", never start a second producer).
func (a *ActiveSet) Mark(k Key) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.active[k]; ok {
		return false
	}
	a.active[k] = struct{}{}
	return true
}

// Unmark clears k from the active set and wakes every waiter. Safe to
// call even if k was never marked.
func (a *ActiveSet) Unmark(k Key) {
	a.mu.Lock()
	delete(a.active, k)
	a.mu.Unlock()
	a.cond.Broadcast()
}

// WaitWhileActive blocks while pred holds, waking on every Unmark/Broadcast,
// until pred returns false or the deadline elapses. It returns true if the
// deadline was reached before pred became false. A zero deadline means
// "wait indefinitely" (used by get_quick's fall-through wait).
//
// pred receives whether k is currently active, read under the ActiveSet's
// own lock before each evaluation. pred must not call back into the
// ActiveSet (Contains, Mark, Unmark, ...) — the lock is already held for
// the duration of the wait, and sync.Mutex is not reentrant. Pass a
// closure that only reads external state (e.g. "does the artifact file
// exist yet") and combines it with the active flag it's given.
func (a *ActiveSet) WaitWhileActive(k Key, pred func(active bool) bool, deadline time.Duration) (timedOut bool) {
	start := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	for pred(a.containsLocked(k)) {
		if deadline <= 0 {
			a.cond.Wait()
			continue
		}
		remaining := deadline - time.Since(start)
		if remaining <= 0 {
			return true
		}
		waitWithTimeout(a.cond, remaining)
		if time.Since(start) >= deadline {
			return pred(a.containsLocked(k))
		}
	}
	return false
}

// containsLocked is Contains for callers that already hold a.mu (notably
// WaitWhileActive's own loop).
func (a *ActiveSet) containsLocked(k Key) bool {
	_, ok := a.active[k]
	return ok
}

// waitWithTimeout wakes cond.Wait() after d by running a timer that
// broadcasts; this emulates condition-variable wait-with-timeout, which
// the stdlib sync.Cond does not provide directly.
func waitWithTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, cond.Broadcast)
	defer timer.Stop()
	cond.Wait()
}
