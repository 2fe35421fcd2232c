package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/teamshare/internal/sharing"
	"github.com/gin-gonic/gin"
)

type sharePayload struct {
	ContextType       string          `json:"context_type"`
	Data              json.RawMessage `json:"data"`
	AllowedOperations []string        `json:"allowed_operations"`
	ExpiresAt         *time.Time      `json:"expires_at"`
}

type updateSharePayload struct {
	Data json.RawMessage `json:"data"`
}

type resolvePayload struct {
	Strategy         string          `json:"strategy"`
	ManualResolution json.RawMessage `json:"manual_resolution"`
}

func (h *httpHandler) handleShareContext(c *gin.Context) {
	var request sharePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, "malformed body")
		return
	}
	operations := make([]sharing.Operation, 0, len(request.AllowedOperations))
	for _, operation := range request.AllowedOperations {
		operations = append(operations, sharing.Operation(operation))
	}
	metadata, err := h.sharing.ShareContext(c.Request.Context(), c.Param("workspaceID"), request.ContextType, request.Data, sharing.ShareRequest{
		UserID:            currentUser(c),
		AllowedOperations: operations,
		ExpiresAt:         request.ExpiresAt,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, metadata)
}

func (h *httpHandler) handleListShares(c *gin.Context) {
	shares, err := h.sharing.ListSharedContexts(c.Request.Context(), c.Param("workspaceID"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shares": shares})
}

func (h *httpHandler) handleGetShare(c *gin.Context) {
	shared, err := h.sharing.GetSharedContext(c.Request.Context(), c.Param("shareID"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, shared)
}

func (h *httpHandler) handleUpdateShare(c *gin.Context) {
	var request updateSharePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, "malformed body")
		return
	}
	metadata, err := h.sharing.UpdateSharedContext(c.Request.Context(), c.Param("shareID"), request.Data, currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, metadata)
}

func (h *httpHandler) handleRevokeShare(c *gin.Context) {
	if err := h.sharing.RevokeSharedContext(c.Request.Context(), c.Param("shareID"), currentUser(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	var request resolvePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Strategy) == "" {
		respondInvalidRequest(c, "strategy is required")
		return
	}
	resolved, err := h.sharing.ResolveConflict(c.Request.Context(), c.Param("shareID"), sharing.ResolveRequest{
		UserID:           currentUser(c),
		Strategy:         strings.TrimSpace(request.Strategy),
		ManualResolution: request.ManualResolution,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}
