// Package bus is an in-process typed publish/subscribe event bus. It is
// the publish side of the session bus's live-update surface (§4.9); actual
// transports (HTTP SSE, WebSocket) are external per §1 and consume this
// package's Subscribe channels. Shape follows the teacher's
// events.ConnectionManager: per-channel subscriber sets guarded by their
// own mutex, no cyclic ownership between publisher and subscriber.
package bus

import (
	"sync"
)

// EventType names a kind of published event.
type EventType string

const (
	EventMemoryWritten   EventType = "memory.written"
	EventCommitApproved  EventType = "commit.approved"
	EventCommitRejected  EventType = "commit.rejected"
	EventConflictStashed EventType = "conflict.stashed"
	EventSceneClosed     EventType = "scene.closed"
	EventLaneCheckpoint  EventType = "lane.checkpoint"
	EventSleepCompleted  EventType = "sleep.completed"
)

// Event is one published notification. Payload is left as `any` so each
// event type's shape is owned by its publisher, not the bus.
type Event struct {
	Type    EventType
	UserID  string
	Payload any
}

const subscriberBufferSize = 32

// Bus fans out events to zero or more per-channel subscribers. A channel
// is a free-form string — typically a user id, so subscribers only
// receive events scoped to the user they're watching.
type Bus struct {
	mu       sync.RWMutex
	channels map[string]map[string]chan Event // channel -> subscriberID -> chan
	nextID   uint64
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{channels: make(map[string]map[string]chan Event)}
}

// Subscription is returned by Subscribe; call Close to unsubscribe and
// stop receiving.
type Subscription struct {
	ID      string
	Events  <-chan Event
	channel string
	bus     *Bus
}

// Close unsubscribes and closes the event channel. Safe to call once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.channel, s.ID)
}

// Subscribe registers a new subscriber on channel (normally a user id),
// returning a read-only event stream.
func (b *Bus) Subscribe(channel string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := subscriberID(b.nextID)

	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[string]chan Event)
		b.channels[channel] = subs
	}
	ch := make(chan Event, subscriberBufferSize)
	subs[id] = ch

	return &Subscription{ID: id, Events: ch, channel: channel, bus: b}
}

func (b *Bus) unsubscribe(channel, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.channels[channel]
	if !ok {
		return
	}
	if ch, ok := subs[id]; ok {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(b.channels, channel)
	}
}

// Publish fans e out to every current subscriber of channel. A subscriber
// whose buffer is full is dropped from — never blocked on — this call:
// event delivery is best-effort, not at-least-once (catchup/history is the
// REST/digest layer's job, not this bus's).
func (b *Bus) Publish(channel string, e Event) {
	b.mu.RLock()
	subs := b.channels[channel]
	chans := make([]chan Event, 0, len(subs))
	for _, ch := range subs {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers currently watch channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

func subscriberID(n uint64) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = alphabet[n%uint64(len(alphabet))]
		n /= uint64(len(alphabet))
	}
	return string(buf[i:])
}
