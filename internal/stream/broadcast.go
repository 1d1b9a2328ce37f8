package stream

import (
	"context"
	"sync"
)

// Broadcaster fans one producer's events out to any number of subscribers.
// Publish never blocks: each subscriber owns an unbounded queue, so a slow or
// departed subscriber cannot stall the producer, and every subscriber sees
// events in publish order.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscription is one subscriber's view of a Broadcaster.
type Subscription struct {
	b      *Broadcaster
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	closed bool
}

// Subscribe registers a subscriber. Subscribing after Close yields a closed subscription.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{b: b, notify: make(chan struct{}, 1)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers e to every current subscriber.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.push(e)
	}
}

// Close ends the stream. Subscribers drain queued events, then observe the end.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.finish()
	}
	b.subs = nil
}

// Subscribers returns the number of attached subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, e)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available. ok is false once the broadcaster
// closed and the queue is drained, or the subscription was cancelled.
func (s *Subscription) Next(ctx context.Context) (e Event, ok bool, err error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e = s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, true, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false, nil
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, false, ctx.Err()
		}
	}
}

// Wait returns a channel that is signalled when new events may be available.
func (s *Subscription) Wait() <-chan struct{} {
	return s.notify
}

// TryNext returns a queued event without blocking.
func (s *Subscription) TryNext() (e Event, ok bool, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		e = s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		return e, true, false
	}
	return Event{}, false, s.closed
}

// Cancel detaches the subscriber and drops anything still queued.
func (s *Subscription) Cancel() {
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}
