// Package broadcast is the room's pub/sub relay. Events published to a topic
// reach every session subscribed at publish time, in the same relative order
// for all of them. Nothing is persisted and nothing is replayed to late
// subscribers; durability lives in the message log.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/whisper/lobby/internal/metrics"
	"github.com/whisper/lobby/internal/presence"
	"github.com/whisper/lobby/internal/store"
)

// Topic names a stream of events.
type Topic string

const (
	Messages Topic = "messages"
	Presence Topic = "presence"
)

// DefaultMailboxLimit is the number of undelivered events a subscriber may
// accumulate before it is evicted.
const DefaultMailboxLimit = 1024

var (
	ErrEvicted = errors.New("broadcast: subscriber evicted")
	ErrClosed  = errors.New("broadcast: subscriber closed")
)

// Event is one published item. Exactly one of Message or Diff is set,
// matching Topic.
type Event struct {
	Topic   Topic          `json:"topic"`
	Message *store.Message `json:"message,omitempty"`
	Diff    *presence.Diff `json:"diff,omitempty"`
}

// MessageEvent wraps a stored message for the messages topic.
func MessageEvent(msg store.Message) Event {
	return Event{Topic: Messages, Message: &msg}
}

// PresenceEvent wraps a registry diff for the presence topic.
func PresenceEvent(d presence.Diff) Event {
	return Event{Topic: Presence, Diff: &d}
}

// Relay carries events between server instances. When set, relayed topics
// are published through it and reach local subscribers via HandleRelayed.
type Relay interface {
	PublishRoomEvent(topic string, data []byte) error
}

type topic struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// Broadcaster fans events out to subscribers.
type Broadcaster struct {
	topics       map[Topic]*topic
	mailboxLimit int

	relayMu sync.RWMutex
	relay   Relay
	relayed map[Topic]bool
}

// NewBroadcaster creates a Broadcaster for the messages and presence topics.
// mailboxLimit <= 0 selects DefaultMailboxLimit.
func NewBroadcaster(mailboxLimit int) *Broadcaster {
	if mailboxLimit <= 0 {
		mailboxLimit = DefaultMailboxLimit
	}
	return &Broadcaster{
		topics: map[Topic]*topic{
			Messages: {subs: make(map[*Subscriber]struct{})},
			Presence: {subs: make(map[*Subscriber]struct{})},
		},
		mailboxLimit: mailboxLimit,
		relayed:      make(map[Topic]bool),
	}
}

// SetRelay routes the given topics through relay.
func (b *Broadcaster) SetRelay(relay Relay, topics ...Topic) {
	b.relayMu.Lock()
	defer b.relayMu.Unlock()
	b.relay = relay
	b.relayed = make(map[Topic]bool, len(topics))
	for _, t := range topics {
		b.relayed[t] = true
	}
}

// Subscribe registers a new subscriber on the given topics.
func (b *Broadcaster) Subscribe(id string, topics ...Topic) *Subscriber {
	sub := &Subscriber{
		ID:    id,
		wake:  make(chan struct{}, 1),
		limit: b.mailboxLimit,
	}
	for _, name := range topics {
		t, ok := b.topics[name]
		if !ok {
			continue
		}
		t.mu.Lock()
		t.subs[sub] = struct{}{}
		t.mu.Unlock()
	}
	return sub
}

// Unsubscribe removes sub from every topic and closes it. Safe to call more
// than once.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	for _, t := range b.topics {
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
	}
	sub.close(ErrClosed)
}

// Subscribers returns the number of subscribers on a topic.
func (b *Broadcaster) Subscribers(name Topic) int {
	t, ok := b.topics[name]
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Publish sends ev to every current subscriber of its topic. It never
// blocks on a subscriber.
func (b *Broadcaster) Publish(ev Event) {
	b.relayMu.RLock()
	relay, relayed := b.relay, b.relayed[ev.Topic]
	b.relayMu.RUnlock()

	if relay != nil && relayed {
		data, err := json.Marshal(ev)
		if err == nil {
			err = relay.PublishRoomEvent(string(ev.Topic), data)
		}
		if err == nil {
			return
		}
		log.Printf("[broadcast] relay publish topic=%s failed, delivering locally: %v", ev.Topic, err)
	}
	b.Deliver(ev)
}

// HandleRelayed decodes an event received from the relay and delivers it
// locally.
func (b *Broadcaster) HandleRelayed(data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("broadcast: decode relayed event: %w", err)
	}
	if _, ok := b.topics[ev.Topic]; !ok {
		return fmt.Errorf("broadcast: relayed event for unknown topic %q", ev.Topic)
	}
	b.Deliver(ev)
	return nil
}

// Deliver enqueues ev for local subscribers. Enqueueing happens under the
// topic lock, which gives every subscriber the same order.
func (b *Broadcaster) Deliver(ev Event) {
	t, ok := b.topics[ev.Topic]
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		if sub.push(ev) {
			continue
		}
		delete(t.subs, sub)
		if sub.close(ErrEvicted) {
			metrics.BroadcastEvictions.Inc()
			log.Printf("[broadcast] evicted subscriber=%s (mailbox limit %d)", sub.ID, sub.limit)
		}
	}
}

// Subscriber is one session's mailbox. The queue is unbounded up to limit;
// overflowing it evicts the subscriber instead of dropping events.
type Subscriber struct {
	ID string

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	err   error
	limit int
}

// push appends ev. It returns false if the subscriber is closed or has just
// overflowed.
func (s *Subscriber) push(ev Event) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.limit {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// close marks the subscriber finished and discards pending events. It
// reports whether this call performed the transition.
func (s *Subscriber) close(err error) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	s.err = err
	s.queue = nil
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until an event is available, the subscriber is closed
// (ErrClosed, ErrEvicted) or ctx is done.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return Event{}, err
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Pending returns the number of queued events.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
