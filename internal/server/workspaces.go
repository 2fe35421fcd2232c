package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/teamshare/internal/audit"
	"github.com/MarcoPoloResearchLab/teamshare/internal/sharing"
	"github.com/gin-gonic/gin"
)

type memberPayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type createWorkspacePayload struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Members     []memberPayload `json:"members"`
}

type updateRolePayload struct {
	Role string `json:"role"`
}

type grantPayload struct {
	UserID     string `json:"user_id"`
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
}

type auditEntryPayload struct {
	ID           string         `json:"id"`
	Action       string         `json:"action"`
	WorkspaceID  string         `json:"workspace_id"`
	UserID       string         `json:"user_id"`
	TargetUserID string         `json:"target_user_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Details      map[string]any `json:"details,omitempty"`
}

func (h *httpHandler) handleCreateWorkspace(c *gin.Context) {
	var request createWorkspacePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, "malformed body")
		return
	}
	members := make([]sharing.Member, 0, len(request.Members))
	for _, member := range request.Members {
		members = append(members, sharing.Member{
			UserID: member.UserID,
			Role:   sharing.Role(member.Role),
		})
	}
	workspace, err := h.sharing.CreateWorkspace(c.Request.Context(), request.ID, sharing.CreateWorkspaceRequest{
		Name:        request.Name,
		Description: request.Description,
		Owner:       currentUser(c),
		Members:     members,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, workspace)
}

func (h *httpHandler) handleListWorkspaces(c *gin.Context) {
	workspaces, err := h.sharing.ListWorkspaces(c.Request.Context(), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": workspaces})
}

func (h *httpHandler) handleGetWorkspace(c *gin.Context) {
	workspace, err := h.sharing.GetWorkspace(c.Request.Context(), c.Param("workspaceID"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, workspace)
}

func (h *httpHandler) handleDeleteWorkspace(c *gin.Context) {
	if err := h.sharing.DeleteWorkspace(c.Request.Context(), c.Param("workspaceID"), currentUser(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAddMember(c *gin.Context) {
	var request memberPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		respondInvalidRequest(c, "user_id is required")
		return
	}
	member, err := h.sharing.AddWorkspaceMember(c.Request.Context(), c.Param("workspaceID"), request.UserID, sharing.AddMemberRequest{
		Role:    sharing.ParseRole(request.Role),
		AddedBy: currentUser(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

func (h *httpHandler) handleUpdateMemberRole(c *gin.Context) {
	var request updateRolePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Role) == "" {
		respondInvalidRequest(c, "role is required")
		return
	}
	member, err := h.sharing.UpdateMemberRole(c.Request.Context(), c.Param("workspaceID"), c.Param("userID"), sharing.UpdateMemberRoleRequest{
		Role:      sharing.ParseRole(request.Role),
		UpdatedBy: currentUser(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, member)
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	err := h.sharing.RemoveWorkspaceMember(c.Request.Context(), c.Param("workspaceID"), c.Param("userID"), sharing.RemoveMemberRequest{
		RemovedBy: currentUser(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGrantPermission(c *gin.Context) {
	var request grantPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, "malformed body")
		return
	}
	capability, ok := sharing.ParseCapability(request.Capability)
	if !ok {
		respondInvalidRequest(c, "unknown capability")
		return
	}
	err := h.sharing.GrantPermission(c.Request.Context(), c.Param("workspaceID"), request.UserID, capability, request.Allowed, currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAuditLog(c *gin.Context) {
	filter := audit.Filter{
		Action:       audit.Action(strings.TrimSpace(c.Query("action"))),
		TargetUserID: strings.TrimSpace(c.Query("target_user_id")),
	}
	var ok bool
	if filter.Limit, ok = queryInt(c, "limit"); !ok {
		respondInvalidRequest(c, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, ok = queryInt(c, "offset"); !ok {
		respondInvalidRequest(c, "offset must be a non-negative integer")
		return
	}

	entries, err := h.sharing.AuditLog(c.Request.Context(), c.Param("workspaceID"), currentUser(c), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]auditEntryPayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, auditEntryPayload{
			ID:           entry.ID,
			Action:       string(entry.Action),
			WorkspaceID:  entry.WorkspaceID,
			UserID:       entry.UserID,
			TargetUserID: entry.TargetUserID,
			Timestamp:    entry.Timestamp,
			Details:      entry.Details,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": response})
}

func (h *httpHandler) handleListStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": h.sharing.Strategies()})
}

// queryInt reads an optional non-negative integer query parameter.
func queryInt(c *gin.Context, key string) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}
