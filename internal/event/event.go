// Package event carries conversation lifecycle and streaming notifications
// from the engine to any number of observers (WebSocket clients, CLIs, tests).
package event

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/parley/internal/memory"
)

// Type identifies what an Event announces.
type Type string

const (
	// TypeNewMessage carries a completed agent message.
	TypeNewMessage Type = "new_message"
	// TypeStreamUpdate carries the cumulative content of an in-flight reply.
	TypeStreamUpdate Type = "stream_update"
	// TypeConversationUpdated announces a lifecycle or status change.
	TypeConversationUpdated Type = "conversation_updated"
	// TypeError announces a turn or gateway failure.
	TypeError Type = "error"
)

// Event is one notification. Message is set for new_message and stream_update;
// Status for conversation_updated; Error for error events.
type Event struct {
	Type           Type            `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Message        *memory.Message `json:"message,omitempty"`
	Status         memory.Status   `json:"status,omitempty"`
	Error          string          `json:"error,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

const subscriberBuffer = 256

// Broadcaster fans events out to subscribers. Publishing never blocks: a
// subscriber that falls more than subscriberBuffer events behind has events
// dropped rather than stalling the conversation drivers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	logger *zap.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[chan Event]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new observer and returns its event channel.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the observer and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish stamps the event and delivers it to every subscriber.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				zap.String("type", string(ev.Type)),
				zap.String("conversation_id", ev.ConversationID))
		}
	}
}

// SubscriberCount reports how many observers are attached.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
