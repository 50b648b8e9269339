package events

import (
	"sync"

	"github.com/kodiq/kodiqd/internal/logging"
	"github.com/kodiq/kodiqd/internal/metrics"
)

// DefaultSubscriberBuffer is the channel capacity given to new subscribers.
const DefaultSubscriberBuffer = 1024

// Bus fans events out to subscribers. Emit never blocks: a subscriber whose
// buffer is full is closed and dropped, and must resubscribe.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription is a subscriber's view of the bus.
type Subscription struct {
	bus  *Bus
	ch   chan Event
	once sync.Once
}

// C returns the receive channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.closeChan()
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.closeChan()
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Emit delivers ev to every subscriber. The bus lock serializes Emit calls so
// each subscriber observes one global order.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			delete(b.subs, s)
			s.closeChan()
			metrics.EventsDropped.Inc()
			l := logging.Module("events")
			l.Warn().Msg("dropping lagging event subscriber")
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later Emit calls are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.closeChan()
	}
}
