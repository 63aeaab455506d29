package server

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/remote"
)

const (
	realtimeEventLock      = "lock-change"
	realtimeEventPresence  = "presence-change"
	realtimeEventHeartbeat = "heartbeat"

	realtimeHeartbeatInterval = 15 * time.Second
)

type realtimeEventPayload struct {
	Type       string         `json:"type"`
	Collection string         `json:"collection"`
	DocumentID string         `json:"document_id"`
	Version    int64          `json:"version"`
	Fields     map[string]any `json:"fields,omitempty"`
}

func toRealtimePayload(event remote.Event) realtimeEventPayload {
	return realtimeEventPayload{
		Type:       string(event.Type),
		Collection: event.Collection,
		DocumentID: event.Document.ID,
		Version:    event.Document.Version,
		Fields:     event.Document.Fields,
	}
}

// handleEvents streams lock and presence changes to the client as
// server-sent events. A heartbeat keeps idle connections open through
// proxies; the stream ends when the client disconnects.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()

	lockEvents, cancelLocks := h.locks.SubscribeLocks(ctx)
	defer cancelLocks()
	presenceEvents, cancelPresence := h.locks.SubscribePresence(ctx)
	defer cancelPresence()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-lockEvents:
			if !ok {
				return false
			}
			c.SSEvent(realtimeEventLock, toRealtimePayload(event))
			return true
		case event, ok := <-presenceEvents:
			if !ok {
				return false
			}
			c.SSEvent(realtimeEventPresence, toRealtimePayload(event))
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"time_s": time.Now().Unix()})
			return true
		}
	})
}
