// Package bus fans mutation events out to realtime subscribers.
//
// Publishing never blocks: each subscription owns a bounded buffer, and when
// a slow consumer falls behind the oldest buffered events are dropped and the
// stream is marked gapped. Events from one publisher reach any one
// subscription in publish order.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Kind is the mutation kind carried by an event.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Event is one committed mutation. Record is the JSON-shaped record state:
// post-write for create/update, last state for delete.
type Event struct {
	Kind       Kind
	Collection string
	RecordID   string
	Record     map[string]any
}

// Delivery is one item pulled from a subscription: either an event or a gap
// marker standing in for dropped events.
type Delivery struct {
	Event *Event
	Gap   bool
}

// ErrClosed is returned by Next after the subscription is closed.
var ErrClosed = errors.New("subscription closed")

const defaultBufferSize = 64

// Bus routes events by collection.
type Bus struct {
	log     *slog.Logger
	bufSize int

	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for drop warnings.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// WithBufferSize sets the per-subscription buffer capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		log:     slog.Default(),
		bufSize: defaultBufferSize,
		subs:    map[string]map[uint64]*Subscription{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscription on a collection. accept decides per
// event whether this subscriber may see it (view rule plus client filter,
// re-evaluated at publish time); a nil accept sees nothing.
func (b *Bus) Subscribe(collection string, accept func(Event) bool) *Subscription {
	sub := &Subscription{
		bus:        b,
		collection: collection,
		accept:     accept,
		cap:        b.bufSize,
		signal:     make(chan struct{}, 1),
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	if b.subs[collection] == nil {
		b.subs[collection] = map[uint64]*Subscription{}
	}
	b.subs[collection][sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Publish fans an event out to the collection's subscriptions. It never
// blocks on a slow consumer.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[e.Collection]))
	for _, sub := range b.subs[e.Collection] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.accept == nil || !sub.accept(e) {
			continue
		}
		if sub.push(e) {
			b.log.Warn("subscriber lagging, dropped oldest event",
				"collection", e.Collection, "subscription", sub.id)
		}
	}
}

// remove detaches a subscription from the routing table.
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	if m := b.subs[sub.collection]; m != nil {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(b.subs, sub.collection)
		}
	}
	b.mu.Unlock()
}

// Subscription is one subscriber's bounded event feed.
type Subscription struct {
	bus        *Bus
	id         uint64
	collection string
	accept     func(Event) bool
	cap        int

	mu     sync.Mutex
	buf    []Event
	gapped bool
	closed bool
	signal chan struct{}
}

// push appends an event, dropping the oldest when full. Reports whether a
// drop happened.
func (s *Subscription) push(e Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	var dropped bool
	if len(s.buf) >= s.cap {
		copy(s.buf, s.buf[1:])
		s.buf[len(s.buf)-1] = e
		s.gapped = true
		dropped = true
	} else {
		s.buf = append(s.buf, e)
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until a delivery is available, the context is canceled, or the
// subscription is closed. A gap marker is delivered before the events that
// survived the drop, so the consumer learns where its stream tore.
func (s *Subscription) Next(ctx context.Context) (Delivery, error) {
	for {
		s.mu.Lock()
		if s.gapped {
			s.gapped = false
			s.mu.Unlock()
			return Delivery{Gap: true}, nil
		}
		if len(s.buf) > 0 {
			e := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return Delivery{Event: &e}, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Delivery{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-s.signal:
		}
	}
}

// Close detaches the subscription and releases its buffer. Pending buffered
// deliveries are still readable; Next returns ErrClosed once drained.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
