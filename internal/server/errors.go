package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/teamshare/internal/sharing"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorInvalidRequest = "invalid_request"
	errorUnauthorized   = "unauthorized"
	errorInternal       = "internal_error"

	strategyFailedSuffix = ".strategy_failed"
)

type errorStatus struct {
	target error
	status int
	reason string
}

// Checked in order after strategy failures; the first sentinel matched by errors.Is wins.
var errorStatuses = []errorStatus{
	{target: sharing.ErrInvalidArgument, status: http.StatusBadRequest, reason: "invalid_argument"},
	{target: sharing.ErrWorkspaceNotFound, status: http.StatusNotFound, reason: "workspace_not_found"},
	{target: sharing.ErrShareNotFound, status: http.StatusNotFound, reason: "share_not_found"},
	{target: sharing.ErrUnknownStrategy, status: http.StatusNotFound, reason: "unknown_strategy"},
	{target: sharing.ErrNotMember, status: http.StatusForbidden, reason: "not_member"},
	{target: sharing.ErrPermissionDenied, status: http.StatusForbidden, reason: "permission_denied"},
	{target: sharing.ErrCannotRemoveOwner, status: http.StatusForbidden, reason: "owner_protected"},
	{target: sharing.ErrCannotChangeOwnerRole, status: http.StatusForbidden, reason: "owner_protected"},
	{target: sharing.ErrWorkspaceExists, status: http.StatusConflict, reason: "already_exists"},
	{target: sharing.ErrAlreadyMember, status: http.StatusConflict, reason: "already_member"},
	{target: sharing.ErrMaxWorkspaces, status: http.StatusConflict, reason: "limit_reached"},
	{target: sharing.ErrMaxMembers, status: http.StatusConflict, reason: "limit_reached"},
	{target: sharing.ErrShareExpired, status: http.StatusGone, reason: "share_expired"},
	{target: sharing.ErrNotInitialized, status: http.StatusServiceUnavailable, reason: "unavailable"},
}

func classifyError(err error) (int, string) {
	var serviceErr *sharing.ServiceError
	if errors.As(err, &serviceErr) && strings.HasSuffix(serviceErr.Code(), strategyFailedSuffix) {
		if errors.Is(err, sharing.ErrManualResolutionRequired) {
			return http.StatusUnprocessableEntity, "manual_resolution_required"
		}
		return http.StatusUnprocessableEntity, "strategy_failed"
	}
	for _, candidate := range errorStatuses {
		if errors.Is(err, candidate.target) {
			return candidate.status, candidate.reason
		}
	}
	return http.StatusInternalServerError, errorInternal
}

// respondError writes {"error": reason, "code": code} for a sharing failure.
// The service has already logged domain failures; only unmapped ones are logged here.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, reason := classifyError(err)
	body := gin.H{"error": reason}
	var serviceErr *sharing.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func respondInvalidRequest(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest, "detail": detail})
}
