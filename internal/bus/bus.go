// Package bus carries admission events between the two coordinator processes.
// Delivery is fire-and-forget: publishing never blocks on subscriber
// processing, and a subscriber that is down loses the message. Listeners must
// tolerate duplicates and out-of-order delivery.
package bus

import (
	"context"
	"errors"
	"sync"
)

// EventType enumerates the admission events flowing over the bus.
type EventType string

const (
	// EventUserWaiting tells the session coordinator's room-owner
	// connection that someone entered the waiting room.
	EventUserWaiting EventType = "user-waiting"
	// EventAdmitted tells the admission coordinator a holder was approved.
	EventAdmitted EventType = "admitted"
	// EventRejected tells the admission coordinator a holder was rejected.
	EventRejected EventType = "rejected"
)

// Event is the wire representation shared by every bus implementation.
type Event struct {
	Type        EventType `json:"type"`
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
}

// Bus fans admission events out to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// NewMemoryBus initialises an in-process fan-out bus suitable for tests and
// single-process deployments.
func NewMemoryBus(buffer int) Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (b *memoryBus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking; the bus is best-effort by
			// contract.
		}
	}
	return nil
}

func (b *memoryBus) Subscribe() Subscription {
	sub := &memorySubscription{
		bus: b,
		ch:  make(chan Event, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once sync.Once
	bus  *memoryBus
	ch   chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
