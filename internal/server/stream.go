package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type realtimeEnvelope struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// handleSearchStream replays the current search state and settings, then
// forwards every later change until the client disconnects.
func (h *httpHandler) handleSearchStream(c *gin.Context) {
	session := sessionFrom(c)
	ctx := c.Request.Context()

	messages, cleanup := h.realtime.Subscribe(ctx, session.UserID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	now := time.Now().UTC()
	writeEvent(c, RealtimeEventSearchState, now, newSearchStatePayload(session.Coordinator.State()))
	if current, err := session.Settings.Current(ctx); err == nil {
		writeEvent(c, RealtimeEventSettingsChanged, now, current)
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			writeEvent(c, message.EventType, message.Timestamp, message.Payload)
		case tick := <-ticker.C:
			writeEvent(c, realtimeEventHeartbeat, tick.UTC(), nil)
		}
	}
}

func writeEvent(c *gin.Context, eventType string, timestamp time.Time, payload any) {
	c.SSEvent(eventType, realtimeEnvelope{
		Source:    realtimeSourceBackend,
		Timestamp: timestamp,
		Data:      payload,
	})
	c.Writer.Flush()
}
