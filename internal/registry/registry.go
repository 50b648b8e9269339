// Package registry provides the keyed stores that own every live session,
// connection and forward in the daemon.
//
// The mutex guards the map only. Callers look an entry up, copy the handle
// they need, and perform I/O after the lock has been released; no method
// here blocks on anything but the mutex itself. A panic inside a critical
// section poisons the registry and every later call reports
// errdefs.ErrPoisoned.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kodiq/kodiqd/internal/errdefs"
	"github.com/kodiq/kodiqd/internal/metrics"
)

type entry[T any] struct {
	value T
	seq   uint64
}

// Registry maps string ids to values of type T.
type Registry[T any] struct {
	name   string
	prefix string

	counter atomic.Uint64
	seq     atomic.Uint64

	mu       sync.Mutex
	items    map[string]entry[T]
	poisoned bool
	maxHold  time.Duration
}

// New creates a registry. name labels metrics and errors; prefix is used by
// NextID, e.g. "term" yields "term-1", "term-2", ...
func New[T any](name, prefix string) *Registry[T] {
	return &Registry[T]{
		name:   name,
		prefix: prefix,
		items:  make(map[string]entry[T]),
	}
}

// NextID returns a fresh id. Ids are never reused within a process run.
func (r *Registry[T]) NextID() string {
	return fmt.Sprintf("%s-%d", r.prefix, r.counter.Add(1))
}

// locked runs fn under the mutex, timing the hold and converting a panic into
// a poisoned registry.
func (r *Registry[T]) locked(fn func()) (err error) {
	r.mu.Lock()
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.poisoned = true
			err = fmt.Errorf("%s registry: panic in critical section: %v: %w", r.name, rec, errdefs.ErrPoisoned)
		}
		held := time.Since(start)
		if held > r.maxHold {
			r.maxHold = held
		}
		n := len(r.items)
		r.mu.Unlock()
		metrics.LockHold.WithLabelValues(r.name).Observe(held.Seconds())
		metrics.Sessions.WithLabelValues(r.name).Set(float64(n))
	}()
	if r.poisoned {
		return fmt.Errorf("%s registry: %w", r.name, errdefs.ErrPoisoned)
	}
	fn()
	return nil
}

// Put inserts v under id, replacing any previous value.
func (r *Registry[T]) Put(id string, v T) error {
	seq := r.seq.Add(1)
	return r.locked(func() {
		r.items[id] = entry[T]{value: v, seq: seq}
	})
}

// Swap inserts v under id and returns the value it replaced, if any.
func (r *Registry[T]) Swap(id string, v T) (old T, replaced bool, err error) {
	seq := r.seq.Add(1)
	err = r.locked(func() {
		var prev entry[T]
		prev, replaced = r.items[id]
		old = prev.value
		r.items[id] = entry[T]{value: v, seq: seq}
	})
	return old, replaced, err
}

// Get returns the value for id. A missing id reports errdefs.ErrNotFound.
func (r *Registry[T]) Get(id string) (T, error) {
	var (
		e  entry[T]
		ok bool
	)
	if err := r.locked(func() { e, ok = r.items[id] }); err != nil {
		var zero T
		return zero, err
	}
	if !ok {
		return e.value, fmt.Errorf("%s %q: %w", r.name, id, errdefs.ErrNotFound)
	}
	return e.value, nil
}

// Lookup is Get for callers that treat a missing or unreadable entry the same.
func (r *Registry[T]) Lookup(id string) (T, bool) {
	v, err := r.Get(id)
	return v, err == nil
}

// Remove deletes id and returns the value it held.
func (r *Registry[T]) Remove(id string) (T, error) {
	var (
		e  entry[T]
		ok bool
	)
	if err := r.locked(func() {
		e, ok = r.items[id]
		delete(r.items, id)
	}); err != nil {
		var zero T
		return zero, err
	}
	if !ok {
		return e.value, fmt.Errorf("%s %q: %w", r.name, id, errdefs.ErrNotFound)
	}
	return e.value, nil
}

// RemoveIf deletes id only while it still maps to a value for which match
// returns true. It reports whether an entry was deleted.
func (r *Registry[T]) RemoveIf(id string, match func(T) bool) (bool, error) {
	var removed bool
	err := r.locked(func() {
		if e, ok := r.items[id]; ok && match(e.value) {
			delete(r.items, id)
			removed = true
		}
	})
	return removed, err
}

// Update replaces the value for id with fn's result. fn runs under the lock
// and must not block.
func (r *Registry[T]) Update(id string, fn func(T) T) error {
	var ok bool
	if err := r.locked(func() {
		var e entry[T]
		if e, ok = r.items[id]; ok {
			e.value = fn(e.value)
			r.items[id] = e
		}
	}); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %q: %w", r.name, id, errdefs.ErrNotFound)
	}
	return nil
}

// List returns a snapshot of all values in insertion order.
func (r *Registry[T]) List() ([]T, error) {
	var entries []entry[T]
	err := r.locked(func() {
		entries = make([]entry[T], 0, len(r.items))
		for _, e := range r.items {
			entries = append(entries, e)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.value
	}
	return out, nil
}

// Drain removes and returns every value. It is used at shutdown and still
// works on a poisoned registry so resources can be released.
func (r *Registry[T]) Drain() []T {
	r.mu.Lock()
	entries := make([]entry[T], 0, len(r.items))
	for _, e := range r.items {
		entries = append(entries, e)
	}
	r.items = make(map[string]entry[T])
	r.mu.Unlock()
	metrics.Sessions.WithLabelValues(r.name).Set(0)

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.value
	}
	return out
}

// Len returns the number of entries, or 0 when poisoned.
func (r *Registry[T]) Len() int {
	var n int
	_ = r.locked(func() { n = len(r.items) })
	return n
}

// Poisoned reports whether a panic has broken the registry.
func (r *Registry[T]) Poisoned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.poisoned
}

// MaxHold returns the longest time the mutex was held by any operation.
func (r *Registry[T]) MaxHold() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxHold
}
