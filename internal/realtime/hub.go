// Package realtime implements the per-conversation change feed. The Hub is
// an in-process publish/subscribe switchboard: repositories and the
// orchestrator publish message inserts, row updates, and low-latency
// completion broadcasts; SSE handlers and the reconciliation cache
// subscribe. An optional mirror (see nats.go) republishes every event to an
// external broker so other processes can follow the same feed.
package realtime

import (
	"sync"
	"time"

	"github.com/knowflow/kb-chat-backend/internal/domain"
)

// Event types delivered by the Hub.
const (
	// EventMessageInserted announces a newly persisted message row.
	EventMessageInserted = "message_inserted"
	// EventMessageUpdated announces a persisted row change.
	EventMessageUpdated = "message_updated"
	// EventBroadcast is the out-of-band completion notice carrying only the
	// changed fields; it may arrive before (or after) the corresponding row
	// change and must be merged by message id.
	EventBroadcast = "broadcast"
)

// MessageDelta is the partial payload of a broadcast event. Nil fields were
// not part of the notice.
type MessageDelta struct {
	MessageID    string                  `json:"message_id"`
	Content      *string                 `json:"content,omitempty"`
	Status       *string                 `json:"status,omitempty"`
	ErrorMessage *string                 `json:"error,omitempty"`
	UpdatedAt    time.Time               `json:"updated_at"`
	Sources      []domain.Source         `json:"sources,omitempty"`
	Metadata     *domain.MessageMetadata `json:"metadata,omitempty"`
}

// Event is one change-feed entry. Message is set for inserted/updated
// events; Delta is set for broadcasts.
type Event struct {
	Type           string          `json:"type"`
	OrgID          string          `json:"org_id"`
	ConversationID string          `json:"conversation_id"`
	Message        *domain.Message `json:"message,omitempty"`
	Delta          *MessageDelta   `json:"delta,omitempty"`
}

// Mirror republishes hub events to an external system. Implementations must
// not block; failures are the mirror's own concern.
type Mirror interface {
	Publish(ev Event)
}

// Hub fans events out to conversation subscribers. Publishing never blocks:
// a subscriber that cannot keep up with its buffer misses events and is
// expected to re-sync from the store (the SSE handler replays on connect).
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	mirror Mirror
	buffer int
}

// NewHub returns a Hub with a per-subscriber buffer of 32 events.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[chan Event]struct{}),
		buffer: 32,
	}
}

// AttachMirror sets the external republisher. Pass nil to detach.
func (h *Hub) AttachMirror(m Mirror) {
	h.mu.Lock()
	h.mirror = m
	h.mu.Unlock()
}

// Subscribe registers for a conversation's events. The returned cancel
// function unregisters and closes the channel; it is safe to call more than
// once.
func (h *Hub) Subscribe(conversationID string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subs[conversationID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[conversationID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, conversationID)
				}
			}
			// Closed while holding the write lock: Publish sends under the
			// read lock, so no send can race the close.
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber of its conversation and to the
// mirror. Slow subscribers are skipped rather than blocking the publisher;
// the sends are non-blocking, so holding the read lock across them is safe.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	mirror := h.mirror
	for ch := range h.subs[ev.ConversationID] {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.RUnlock()

	if mirror != nil {
		mirror.Publish(ev)
	}
}

// SubscriberCount reports the number of active subscribers for a
// conversation; used by metrics and tests.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}
