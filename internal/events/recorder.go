package events

import (
	"sync"
	"time"
)

// Recorder is a Sink that keeps every event. Tests across the engines use it
// to assert ordering.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// For returns the recorded events belonging to session id.
func (r *Recorder) For(id string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if SessionID(ev) == id {
			out = append(out, ev)
		}
	}
	return out
}

// WaitFor blocks until cond holds for the recorded events or timeout expires.
// It reports whether cond was satisfied.
func (r *Recorder) WaitFor(timeout time.Duration, cond func([]Event) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if cond(r.Events()) {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return cond(r.Events())
		}
	}
}

// Output concatenates the SessionOutput data recorded for id.
func (r *Recorder) Output(id string) string {
	var b []byte
	for _, ev := range r.For(id) {
		if o, ok := ev.(SessionOutput); ok {
			b = append(b, o.Data...)
		}
	}
	return string(b)
}

// HasExit reports whether a SessionExit for id was recorded.
func HasExit(evs []Event, id string) bool {
	for _, ev := range evs {
		if e, ok := ev.(SessionExit); ok && e.ID == id {
			return true
		}
	}
	return false
}
