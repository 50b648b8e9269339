package sshmanager

import (
	"sync"
	"time"
)

// StateTransition records a status change for debugging.
type StateTransition struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// StateCallback is called when a connection's status changes.
type StateCallback func(id string, from, to Status)

// maxTransitions limits the stored history per connection.
const maxTransitions = 50

// stateTracker holds connection statuses, their history and callbacks.
type stateTracker struct {
	mu          sync.RWMutex
	states      map[string]Status
	transitions map[string][]StateTransition
	callbacks   []StateCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{
		states:      make(map[string]Status),
		transitions: make(map[string][]StateTransition),
	}
}

// get returns the status for id, and false if none was ever set.
func (t *stateTracker) get(id string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[id]
	return s, ok
}

// set updates the status for id. When it changed, the transition is
// recorded and callbacks fire outside the lock. Returns the previous status.
func (t *stateTracker) set(id string, to Status) Status {
	t.mu.Lock()
	from, ok := t.states[id]
	if !ok {
		from = StatusDisconnected
	}
	if from == to && ok {
		t.mu.Unlock()
		return from
	}
	t.states[id] = to

	history := append(t.transitions[id], StateTransition{From: from, To: to, Timestamp: time.Now()})
	if len(history) > maxTransitions {
		history = history[len(history)-maxTransitions:]
	}
	t.transitions[id] = history

	cbs := make([]StateCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(id, from, to)
	}
	return from
}

// remove forgets the status of id but keeps its history.
func (t *stateTracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}

func (t *stateTracker) history(id string) []StateTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := t.transitions[id]
	out := make([]StateTransition, len(h))
	copy(out, h)
	return out
}

func (t *stateTracker) onChange(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
