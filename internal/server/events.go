package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/teamshare/internal/notify"
	"github.com/gin-gonic/gin"
)

const (
	streamEventReady     = "ready"
	streamEventHeartbeat = "heartbeat"
	streamSource         = "teamshare-api"
	heartbeatInterval    = 25 * time.Second
)

type streamEventPayload struct {
	WorkspaceID string         `json:"workspace_id"`
	ShareID     string         `json:"share_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Source      string         `json:"source"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// handleEventStream relays lifecycle events of one workspace as server-sent
// events. The stream ends when the caller is removed or the workspace is deleted.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	workspaceID := c.Param("workspaceID")
	userID := currentUser(c)
	if _, err := h.sharing.GetWorkspace(c.Request.Context(), workspaceID, userID); err != nil {
		h.respondError(c, err)
		return
	}

	events, cleanup := h.events.SubscribeAll(c.Request.Context())
	defer cleanup()

	interval := h.heartbeat
	if interval <= 0 {
		interval = heartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(streamEventReady, streamEventPayload{
		WorkspaceID: workspaceID,
		UserID:      userID,
		Timestamp:   time.Now().UTC(),
		Source:      streamSource,
	})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
			c.SSEvent(streamEventHeartbeat, streamEventPayload{
				WorkspaceID: workspaceID,
				Timestamp:   time.Now().UTC(),
				Source:      streamSource,
			})
			return true
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.WorkspaceID != workspaceID {
				return true
			}
			c.SSEvent(event.Name, streamEventPayload{
				WorkspaceID: event.WorkspaceID,
				ShareID:     event.ShareID,
				UserID:      event.UserID,
				Timestamp:   event.Timestamp,
				Source:      streamSource,
				Payload:     event.Payload,
			})
			return !endsStream(event, userID)
		}
	})
}

func endsStream(event notify.Event, userID string) bool {
	switch event.Name {
	case notify.EventWorkspaceDeleted:
		return true
	case notify.EventMemberRemoved:
		return event.UserID == userID
	default:
		return false
	}
}
