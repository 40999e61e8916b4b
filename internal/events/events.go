// Package events implements the Event Broadcaster (C9): an in-process
// pub/sub fan-out of structured progress/state events to connected
// observers. Delivery is fire-and-forget — no acknowledgement, no replay,
// and a slow subscriber only ever loses events on its own buffer, never
// blocks the broadcaster or other subscribers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/agentengine/internal/observability"
)

// Standard event names. Components publish with these; new event names
// may be introduced freely, these just name the well-known ones.
const (
	EventChannelMessage       = "channel.message"
	EventAgentResponse        = "agent.response"
	EventAgentToolCall        = "agent.tool_call"
	EventToolResult           = "tool.result"
	EventSubAgentAwaitProgress = "subagent.await_progress"
	EventDiskQuotaWarning     = "disk_quota.warning"
	EventSystemKeystorePrefix   = "system.keystore_"
	EventSystemHyperpacksPrefix = "system.hyperpacks_"
)

// Event is the shape delivered to every subscriber.
type Event struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultBufferSize is the per-subscriber channel capacity used when a
// caller does not specify one via SubscribeWithBuffer.
const DefaultBufferSize = 64

type subscriber struct {
	id string
	ch chan Event
}

// Broadcaster is an in-process, concurrency-safe pub/sub of Events.
type Broadcaster struct {
	log *observability.Logger

	mu   sync.RWMutex
	subs map[string]*subscriber
}

// New constructs a Broadcaster.
func New(log *observability.Logger) *Broadcaster {
	return &Broadcaster{
		log:  log,
		subs: make(map[string]*subscriber),
	}
}

// Subscribe registers a new subscriber with the default buffer size and
// returns its client_id and the channel it will receive events on.
func (b *Broadcaster) Subscribe() (string, <-chan Event) {
	return b.SubscribeWithBuffer(DefaultBufferSize)
}

// SubscribeWithBuffer is Subscribe with an explicit per-subscriber buffer
// capacity.
func (b *Broadcaster) SubscribeWithBuffer(bufferSize int) (string, <-chan Event) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	id := uuid.NewString()
	sub := &subscriber{id: id, ch: make(chan Event, bufferSize)}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return id, sub.ch
}

// Unsubscribe drops a subscriber and closes its channel. Safe to call more
// than once or with an unknown clientID.
func (b *Broadcaster) Unsubscribe(clientID string) {
	b.mu.Lock()
	sub, ok := b.subs[clientID]
	if ok {
		delete(b.subs, clientID)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// Broadcast delivers an event to every live subscriber. A subscriber whose
// buffer is full has the event dropped for it only; Broadcast never blocks
// on a slow consumer.
func (b *Broadcaster) Broadcast(eventName string, data any) {
	ev := Event{Event: eventName, Data: data, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			if b.log != nil {
				b.log.Warn(nil, "dropping event for slow subscriber", "client_id", sub.id, "event", eventName)
			}
		}
	}
}

// SubscriberCount returns the number of currently-live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
