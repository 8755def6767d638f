// Event stream HTTP handler.
//
// This file exposes the per-conversation change feed over Server-Sent
// Events:
//   - GET /conversations/{id}/events
//
// On connect the handler replays the conversation's current messages as
// snapshot events so a client that reconnects never misses a completion,
// then streams live hub events. A comment heartbeat keeps intermediaries
// from timing out idle connections.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/knowflow/kb-chat-backend/internal/http/middleware"
	"github.com/knowflow/kb-chat-backend/internal/realtime"
	"github.com/knowflow/kb-chat-backend/internal/repo"
	"github.com/knowflow/kb-chat-backend/internal/services"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// StreamEvents godoc
// @ID          streamEvents
// @Summary     Stream conversation events (SSE)
// @Description Server-Sent Events feed of message inserts, updates, and completion broadcasts.
// @Description Replays the current transcript as snapshot events on connect.
// @Tags        Messages
// @Produce     text/event-stream
//
// @Param       X-Org-ID  header  string  false "Organization ID (demo header)" example(acme)
// @Param       id        path    string  true  "Conversation ID (UUID)"        format(uuid)
//
// @Success     200  {string} string "event stream"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Router      /conversations/{id}/events [get]
func (h *Handlers) StreamEvents(c *gin.Context) {
	conversationID := c.Param("id")
	if !mustUUID(c, conversationID, "conversation") {
		return
	}
	org := middleware.OrgID(c)

	if _, err := h.convSvc.Get(c.Request.Context(), org, conversationID); err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	flusher, okCast := c.Writer.(http.Flusher)
	if !okCast {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "streaming unsupported")
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	// Subscribe before the replay so nothing between snapshot and live is lost.
	events, cancel := h.hub.Subscribe(conversationID)
	defer cancel()

	// Snapshot replay: current rows as synthetic insert events.
	msgs, err := repo.ListMessages(h.db, conversationID, 0)
	if err == nil {
		for i := range msgs {
			writeSSE(c, flusher, "snapshot", realtime.Event{
				Type:           realtime.EventMessageInserted,
				OrgID:          org,
				ConversationID: conversationID,
				Message:        &msgs[i],
			})
		}
	}
	fmt.Fprint(c.Writer, ": ready\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(c, flusher, ev.Type, ev)
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSE emits one named SSE event with a JSON payload.
func writeSSE(c *gin.Context, flusher http.Flusher, name string, ev realtime.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", name, payload)
	flusher.Flush()
}
