package events

import (
	"sync"
	"time"

	"tandem/internal/logging"
)

// Bus fans events out to subscribers. Each subscriber has its own ordered
// queue drained by a dedicated goroutine, so a slow subscriber delays only
// itself and never reorders events.
type Bus struct {
	subscribers map[int]*subscriber
	nextID      int
	mu          sync.Mutex
	closed      bool
}

type subscriber struct {
	ch    chan Event
	queue []Event
	mu    sync.Mutex
	cond  *sync.Cond
	done  bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int]*subscriber),
	}
}

// Subscribe returns a channel of events and a cancel function. The channel
// is closed when cancel is called or the bus shuts down.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	sub := &subscriber{ch: make(chan Event, buffer)}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub
	b.mu.Unlock()

	go sub.drain()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
		sub.stop()
	}

	return sub.ch, cancel
}

// Publish delivers an event to every subscriber in order.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		sub.enqueue(event)
	}
}

// Emit is a convenience wrapper for Publish.
func (b *Bus) Emit(eventType Type, sessionID string, payload any) {
	b.Publish(Event{
		Type:      eventType,
		SessionID: sessionID,
		Payload:   payload,
	})
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}

	logging.Debug("event bus closed")
}

func (s *subscriber) enqueue(event Event) {
	s.mu.Lock()
	if !s.done {
		s.queue = append(s.queue, event)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// drain moves queued events to the subscriber channel, preserving order.
func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if s.done && len(s.queue) == 0 {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.ch <- event
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.cond.Signal()
	s.mu.Unlock()

	// Drain the channel so the drain goroutine can flush and exit.
	go func() {
		for range s.ch {
		}
	}()
}
