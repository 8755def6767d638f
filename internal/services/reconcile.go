// Change-feed reconciliation.
//
// Two kinds of events describe the same message: full row events
// (inserted/updated) and partial broadcast deltas that race them. The
// reducer here merges both into one consistent view keyed by message id,
// letting the freshest write win by updated_at. Applying the same events in
// any interleaving converges on the same state, and re-applying an event is
// a no-op.
package services

import (
	"sort"
	"sync"

	"github.com/knowflow/kb-chat-backend/internal/domain"
	"github.com/knowflow/kb-chat-backend/internal/realtime"
)

// MergeDelta folds a partial broadcast into a message. Stale deltas (older
// than the row's updated_at) leave the row untouched; equal timestamps also
// apply so that a delta and its matching row update are interchangeable.
func MergeDelta(m domain.Message, d realtime.MessageDelta) domain.Message {
	if d.MessageID != m.ID || d.UpdatedAt.Before(m.UpdatedAt) {
		return m
	}
	if d.Content != nil {
		m.Content = *d.Content
	}
	if d.Status != nil {
		m.Status = *d.Status
	}
	if d.ErrorMessage != nil {
		m.ErrorMessage = *d.ErrorMessage
	}
	if d.Sources != nil {
		m.Sources = d.Sources
	}
	if d.Metadata != nil {
		m.Metadata = *d.Metadata
	}
	m.UpdatedAt = d.UpdatedAt
	return m
}

// MergeRow folds a full row event into the current view of that message,
// keeping whichever side is fresher field-for-all-fields.
func MergeRow(current, incoming domain.Message) domain.Message {
	if incoming.UpdatedAt.Before(current.UpdatedAt) {
		return current
	}
	return incoming
}

// ConversationCache is the reconciled client-facing view of conversations.
// It subscribes to nothing itself; callers feed it events (typically from a
// Hub subscription) and read ordered snapshots.
type ConversationCache struct {
	mu       sync.RWMutex
	byConv   map[string]map[string]domain.Message
	// orphaned holds broadcasts that arrived before their message row.
	orphaned map[string][]realtime.MessageDelta
}

// NewConversationCache returns an empty cache.
func NewConversationCache() *ConversationCache {
	return &ConversationCache{
		byConv:   make(map[string]map[string]domain.Message),
		orphaned: make(map[string][]realtime.MessageDelta),
	}
}

// Seed loads a conversation's messages wholesale, e.g. from an initial list
// query, then replays any broadcasts that beat the rows here.
func (c *ConversationCache) Seed(conversationID string, msgs []domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.ensure(conversationID)
	for _, m := range msgs {
		set[m.ID] = MergeRow(set[m.ID], m)
	}
	c.replayOrphans(conversationID)
}

// Apply folds one change-feed event into the cache. Safe to call with
// duplicate or out-of-order events.
func (c *ConversationCache) Apply(ev realtime.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.ensure(ev.ConversationID)

	switch ev.Type {
	case realtime.EventMessageInserted, realtime.EventMessageUpdated:
		if ev.Message == nil {
			return
		}
		cur, known := set[ev.Message.ID]
		if !known {
			set[ev.Message.ID] = *ev.Message
		} else {
			set[ev.Message.ID] = MergeRow(cur, *ev.Message)
		}
		c.replayOrphans(ev.ConversationID)

	case realtime.EventBroadcast:
		if ev.Delta == nil {
			return
		}
		if cur, known := set[ev.Delta.MessageID]; known {
			set[ev.Delta.MessageID] = MergeDelta(cur, *ev.Delta)
			return
		}
		// Row not seen yet; park the delta until the insert arrives.
		c.orphaned[ev.ConversationID] = append(c.orphaned[ev.ConversationID], *ev.Delta)
	}
}

// Snapshot returns the reconciled messages of a conversation in stable
// display order (created_at, then id).
func (c *ConversationCache) Snapshot(conversationID string) []domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.byConv[conversationID]
	out := make([]domain.Message, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Drop forgets a conversation, e.g. after it is deleted.
func (c *ConversationCache) Drop(conversationID string) {
	c.mu.Lock()
	delete(c.byConv, conversationID)
	delete(c.orphaned, conversationID)
	c.mu.Unlock()
}

func (c *ConversationCache) ensure(conversationID string) map[string]domain.Message {
	set, ok := c.byConv[conversationID]
	if !ok {
		set = make(map[string]domain.Message)
		c.byConv[conversationID] = set
	}
	return set
}

// replayOrphans re-applies parked deltas whose rows have since arrived.
// Caller holds the write lock.
func (c *ConversationCache) replayOrphans(conversationID string) {
	pending := c.orphaned[conversationID]
	if len(pending) == 0 {
		return
	}
	set := c.byConv[conversationID]
	remaining := pending[:0]
	for _, d := range pending {
		if cur, known := set[d.MessageID]; known {
			set[d.MessageID] = MergeDelta(cur, d)
		} else {
			remaining = append(remaining, d)
		}
	}
	if len(remaining) == 0 {
		delete(c.orphaned, conversationID)
	} else {
		c.orphaned[conversationID] = remaining
	}
}
