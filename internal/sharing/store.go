package sharing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/MarcoPoloResearchLab/teamshare/internal/audit"
	"github.com/MarcoPoloResearchLab/teamshare/internal/notify"
	"go.uber.org/zap"
)

var nullPayload = []byte("null")

func validPayload(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, nullPayload) && json.Valid(trimmed)
}

func normalizeOperations(requested []Operation) ([]Operation, error) {
	if len(requested) == 0 {
		return []Operation{OperationRead}, nil
	}
	normalized := make([]Operation, 0, len(requested))
	for _, raw := range requested {
		operation := Operation(strings.ToLower(strings.TrimSpace(string(raw))))
		if operation != OperationRead && operation != OperationUpdate {
			return nil, fmt.Errorf("%w: unsupported operation %q", ErrInvalidArgument, raw)
		}
		if !slices.Contains(normalized, operation) {
			normalized = append(normalized, operation)
		}
	}
	return normalized, nil
}

// ShareContext stores data in workspaceID and returns its metadata.
func (s *Service) ShareContext(ctx context.Context, workspaceID, contextType string, data json.RawMessage, request ShareRequest) (ShareMetadata, error) {
	if err := s.ensureInitialized(opShareContext); err != nil {
		return ShareMetadata{}, err
	}
	defer s.startTimer(opShareContext)()

	contextType = strings.TrimSpace(contextType)
	if workspaceID == "" || contextType == "" || request.UserID == "" {
		return ShareMetadata{}, s.fail(opShareContext, reasonInvalidArgument,
			fmt.Errorf("%w: workspace, context type and user are required", ErrInvalidArgument))
	}
	if !validPayload(data) {
		return ShareMetadata{}, s.fail(opShareContext, reasonInvalidArgument,
			fmt.Errorf("%w: context data must be a non-null JSON value", ErrInvalidArgument))
	}
	operations, err := normalizeOperations(request.AllowedOperations)
	if err != nil {
		return ShareMetadata{}, s.fail(opShareContext, reasonInvalidArgument, err)
	}

	var shared ShareMetadata
	err = s.sharingLock.WithLock(ctx, opShareContext, func(ctx context.Context) error {
		fields := []zap.Field{zap.String(fieldWorkspaceID, workspaceID), zap.String(fieldUserID, request.UserID)}
		now := s.now()

		expiresAt := cloneTime(request.ExpiresAt)
		if expiresAt != nil {
			utc := expiresAt.UTC()
			if !utc.After(now) {
				return s.fail(opShareContext, reasonInvalidArgument,
					fmt.Errorf("%w: expiration must be in the future", ErrInvalidArgument), fields...)
			}
			expiresAt = &utc
		} else if s.limits.ExpireByDefault {
			defaultExpiry := now.Add(s.limits.DefaultExpiration)
			expiresAt = &defaultExpiry
		}

		standing := s.membershipOf(workspaceID, request.UserID)
		if !standing.workspaceExists {
			return s.fail(opShareContext, reasonWorkspaceMissing, ErrWorkspaceNotFound, fields...)
		}
		if !standing.isMember {
			return s.fail(opShareContext, reasonNotMember, ErrNotMember, fields...)
		}
		if !s.CheckPermission(ctx, request.UserID, workspaceID, CapabilityShare) {
			return s.fail(opShareContext, reasonPermissionDenied, permissionDenied(CapabilityShare), fields...)
		}

		shareID, err := newShareID(s.idProvider, workspaceID, contextType, now)
		if err != nil {
			return s.fail(opShareContext, reasonIDFailed, err, fields...)
		}
		record := &SharedContext{
			ShareID:           shareID,
			WorkspaceID:       workspaceID,
			ContextType:       contextType,
			Data:              cloneRaw(data),
			SharedBy:          request.UserID,
			SharedAt:          now,
			ExpiresAt:         expiresAt,
			AllowedOperations: operations,
			Version:           1,
			LastUpdated:       now,
			LastUpdatedBy:     request.UserID,
			History:           []HistoryEntry{},
		}

		s.mu.Lock()
		home, exists := s.workspaces[workspaceID]
		if !exists {
			s.mu.Unlock()
			return s.fail(opShareContext, reasonWorkspaceMissing, ErrWorkspaceNotFound, fields...)
		}
		home.shares[shareID] = record
		s.mu.Unlock()
		s.shares[shareID] = record
		shared = record.metadata()

		return s.recordAudit(ctx, opShareContext, audit.Entry{
			Action:      audit.ActionContextShared,
			WorkspaceID: workspaceID,
			UserID:      request.UserID,
			Details:     map[string]any{"share_id": shareID, "context_type": contextType},
		})
	})
	if err != nil {
		return ShareMetadata{}, asServiceError(opShareContext, err)
	}

	s.emit(notify.Event{
		Name:        notify.EventContextShared,
		WorkspaceID: workspaceID,
		ShareID:     shared.ShareID,
		UserID:      request.UserID,
		Payload:     map[string]any{"context_type": contextType, "version": shared.Version},
	})
	return shared, nil
}

// authorizeShare runs the existence, expiry, membership and permission checks
// common to read, update and resolve. It must run under sharingLock.
func (s *Service) authorizeShare(ctx context.Context, operation, shareID, userID string, allowed Operation, capability Capability) (*SharedContext, error) {
	fields := []zap.Field{zap.String(fieldShareID, shareID), zap.String(fieldUserID, userID)}
	record, exists := s.shares[shareID]
	if !exists {
		return nil, s.fail(operation, reasonShareMissing, ErrShareNotFound, fields...)
	}
	if record.expired(s.now()) {
		return nil, s.fail(operation, reasonShareExpired, ErrShareExpired, fields...)
	}
	standing := s.membershipOf(record.WorkspaceID, userID)
	if !standing.workspaceExists {
		return nil, s.fail(operation, reasonWorkspaceMissing, ErrWorkspaceNotFound, fields...)
	}
	if !standing.isMember {
		return nil, s.fail(operation, reasonNotMember, ErrNotMember, fields...)
	}
	if !record.allows(allowed) {
		return nil, s.fail(operation, reasonPermissionDenied, permissionDenied(Capability(allowed)), fields...)
	}
	if !s.CheckPermission(ctx, userID, record.WorkspaceID, capability) {
		return nil, s.fail(operation, reasonPermissionDenied, permissionDenied(capability), fields...)
	}
	return record, nil
}

// GetSharedContext returns the full share and counts the access.
func (s *Service) GetSharedContext(ctx context.Context, shareID, userID string) (SharedContext, error) {
	if err := s.ensureInitialized(opGetSharedContext); err != nil {
		return SharedContext{}, err
	}
	defer s.startTimer(opGetSharedContext)()

	if shareID == "" || userID == "" {
		return SharedContext{}, s.fail(opGetSharedContext, reasonInvalidArgument,
			fmt.Errorf("%w: share and user are required", ErrInvalidArgument))
	}

	var snapshot SharedContext
	err := s.sharingLock.WithLock(ctx, opGetSharedContext, func(ctx context.Context) error {
		record, err := s.authorizeShare(ctx, opGetSharedContext, shareID, userID, OperationRead, CapabilityRead)
		if err != nil {
			return err
		}
		accessedAt := s.now()
		record.AccessCount++
		record.LastAccessed = &accessedAt
		snapshot = record.clone()

		return s.recordAudit(ctx, opGetSharedContext, audit.Entry{
			Action:      audit.ActionContextAccessed,
			WorkspaceID: record.WorkspaceID,
			UserID:      userID,
			Details:     map[string]any{"share_id": shareID, "access_count": record.AccessCount},
		})
	})
	if err != nil {
		return SharedContext{}, asServiceError(opGetSharedContext, err)
	}

	s.emit(notify.Event{
		Name:        notify.EventContextAccessed,
		WorkspaceID: snapshot.WorkspaceID,
		ShareID:     shareID,
		UserID:      userID,
		Payload:     map[string]any{"access_count": snapshot.AccessCount},
	})
	return snapshot, nil
}

// ListSharedContexts returns metadata for the live shares of a workspace,
// oldest first. Listing does not count as an access.
func (s *Service) ListSharedContexts(ctx context.Context, workspaceID, userID string) ([]ShareMetadata, error) {
	if err := s.ensureInitialized(opListSharedContexts); err != nil {
		return nil, err
	}
	defer s.startTimer(opListSharedContexts)()

	var listed []ShareMetadata
	err := s.sharingLock.WithLock(ctx, opListSharedContexts, func(ctx context.Context) error {
		fields := []zap.Field{zap.String(fieldWorkspaceID, workspaceID), zap.String(fieldUserID, userID)}
		standing := s.membershipOf(workspaceID, userID)
		if !standing.workspaceExists {
			return s.fail(opListSharedContexts, reasonWorkspaceMissing, ErrWorkspaceNotFound, fields...)
		}
		if !standing.isMember {
			return s.fail(opListSharedContexts, reasonNotMember, ErrNotMember, fields...)
		}
		if !s.CheckPermission(ctx, userID, workspaceID, CapabilityRead) {
			return s.fail(opListSharedContexts, reasonPermissionDenied, permissionDenied(CapabilityRead), fields...)
		}

		now := s.now()
		listed = make([]ShareMetadata, 0)
		for _, record := range s.shares {
			if record.WorkspaceID == workspaceID && !record.expired(now) {
				listed = append(listed, record.metadata())
			}
		}
		return nil
	})
	if err != nil {
		return nil, asServiceError(opListSharedContexts, err)
	}

	slices.SortFunc(listed, func(a, b ShareMetadata) int {
		if bySharedAt := a.SharedAt.Compare(b.SharedAt); bySharedAt != 0 {
			return bySharedAt
		}
		return strings.Compare(a.ShareID, b.ShareID)
	})
	return listed, nil
}

// UpdateSharedContext replaces the payload of a share, keeping the previous
// state in its history.
func (s *Service) UpdateSharedContext(ctx context.Context, shareID string, data json.RawMessage, userID string) (ShareMetadata, error) {
	if err := s.ensureInitialized(opUpdateSharedContext); err != nil {
		return ShareMetadata{}, err
	}
	defer s.startTimer(opUpdateSharedContext)()

	if shareID == "" || userID == "" {
		return ShareMetadata{}, s.fail(opUpdateSharedContext, reasonInvalidArgument,
			fmt.Errorf("%w: share and user are required", ErrInvalidArgument))
	}
	if !validPayload(data) {
		return ShareMetadata{}, s.fail(opUpdateSharedContext, reasonInvalidArgument,
			fmt.Errorf("%w: context data must be a non-null JSON value", ErrInvalidArgument))
	}

	var updated ShareMetadata
	err := s.sharingLock.WithLock(ctx, opUpdateSharedContext, func(ctx context.Context) error {
		record, err := s.authorizeShare(ctx, opUpdateSharedContext, shareID, userID, OperationUpdate, CapabilityUpdate)
		if err != nil {
			return err
		}
		record.History = append(record.History, HistoryEntry{
			Version:   record.Version,
			Data:      record.Data,
			UpdatedBy: record.LastUpdatedBy,
			UpdatedAt: record.LastUpdated,
		})
		record.Data = cloneRaw(data)
		record.Version++
		record.LastUpdated = s.now()
		record.LastUpdatedBy = userID
		updated = record.metadata()

		return s.recordAudit(ctx, opUpdateSharedContext, audit.Entry{
			Action:      audit.ActionContextUpdated,
			WorkspaceID: record.WorkspaceID,
			UserID:      userID,
			Details:     map[string]any{"share_id": shareID, "version": record.Version},
		})
	})
	if err != nil {
		return ShareMetadata{}, asServiceError(opUpdateSharedContext, err)
	}

	s.emit(notify.Event{
		Name:        notify.EventContextUpdated,
		WorkspaceID: updated.WorkspaceID,
		ShareID:     shareID,
		UserID:      userID,
		Payload:     map[string]any{"version": updated.Version},
	})
	return updated, nil
}

// RevokeSharedContext deletes a share. The sharer, workspace admins and
// holders of the revoke capability may revoke, including after expiry.
func (s *Service) RevokeSharedContext(ctx context.Context, shareID, userID string) error {
	if err := s.ensureInitialized(opRevokeSharedContext); err != nil {
		return err
	}
	defer s.startTimer(opRevokeSharedContext)()

	if shareID == "" || userID == "" {
		return s.fail(opRevokeSharedContext, reasonInvalidArgument,
			fmt.Errorf("%w: share and user are required", ErrInvalidArgument))
	}

	var workspaceID string
	byAdmin := false
	err := s.sharingLock.WithLock(ctx, opRevokeSharedContext, func(ctx context.Context) error {
		fields := []zap.Field{zap.String(fieldShareID, shareID), zap.String(fieldUserID, userID)}
		record, exists := s.shares[shareID]
		if !exists {
			return s.fail(opRevokeSharedContext, reasonShareMissing, ErrShareNotFound, fields...)
		}
		workspaceID = record.WorkspaceID
		standing := s.membershipOf(workspaceID, userID)
		if !standing.workspaceExists {
			return s.fail(opRevokeSharedContext, reasonWorkspaceMissing, ErrWorkspaceNotFound, fields...)
		}
		if !standing.isMember {
			return s.fail(opRevokeSharedContext, reasonNotMember, ErrNotMember, fields...)
		}
		byAdmin = standing.isAdmin()
		if record.SharedBy != userID && !byAdmin && !s.CheckPermission(ctx, userID, workspaceID, CapabilityRevoke) {
			return s.fail(opRevokeSharedContext, reasonPermissionDenied, permissionDenied(CapabilityRevoke), fields...)
		}

		delete(s.shares, shareID)
		s.mu.Lock()
		if home, ok := s.workspaces[workspaceID]; ok {
			delete(home.shares, shareID)
		}
		s.mu.Unlock()

		return s.recordAudit(ctx, opRevokeSharedContext, audit.Entry{
			Action:      audit.ActionContextRevoked,
			WorkspaceID: workspaceID,
			UserID:      userID,
			Details:     map[string]any{"share_id": shareID, "by_admin": byAdmin},
		})
	})
	if err != nil {
		return asServiceError(opRevokeSharedContext, err)
	}

	s.emit(notify.Event{
		Name:        notify.EventContextRevoked,
		WorkspaceID: workspaceID,
		ShareID:     shareID,
		UserID:      userID,
		Payload:     map[string]any{"by_admin": byAdmin},
	})
	return nil
}

// ResolveConflict adopts the payload produced by the named strategy. Unlike
// UpdateSharedContext it does not push the replaced payload onto the history.
func (s *Service) ResolveConflict(ctx context.Context, shareID string, request ResolveRequest) (SharedContext, error) {
	if err := s.ensureInitialized(opResolveConflict); err != nil {
		return SharedContext{}, err
	}
	defer s.startTimer(opResolveConflict)()

	if shareID == "" || request.UserID == "" || request.Strategy == "" {
		return SharedContext{}, s.fail(opResolveConflict, reasonInvalidArgument,
			fmt.Errorf("%w: share, user and strategy are required", ErrInvalidArgument))
	}

	var resolved SharedContext
	err := s.sharingLock.WithLock(ctx, opResolveConflict, func(ctx context.Context) error {
		fields := []zap.Field{zap.String(fieldShareID, shareID), zap.String(fieldUserID, request.UserID), zap.String(fieldStrategy, request.Strategy)}
		record, err := s.authorizeShare(ctx, opResolveConflict, shareID, request.UserID, OperationUpdate, CapabilityResolveConflicts)
		if err != nil {
			return err
		}
		strategy, ok := s.strategy(request.Strategy)
		if !ok {
			return s.fail(opResolveConflict, reasonUnknownStrategy,
				fmt.Errorf("%w: %s", ErrUnknownStrategy, request.Strategy), fields...)
		}

		payload, err := strategy.Resolve(ctx, record.clone(), ResolveOptions{ManualResolution: cloneRaw(request.ManualResolution)})
		if err != nil {
			return s.fail(opResolveConflict, reasonStrategyFailed, err, fields...)
		}
		if !validPayload(payload) {
			return s.fail(opResolveConflict, reasonStrategyFailed,
				fmt.Errorf("%w: strategy %s produced no payload", ErrInvalidArgument, request.Strategy), fields...)
		}

		record.Data = cloneRaw(payload)
		record.Version++
		record.ConflictResolution = &ConflictRecord{
			ResolvedAt: s.now(),
			ResolvedBy: request.UserID,
			Strategy:   request.Strategy,
		}
		resolved = record.clone()

		return s.recordAudit(ctx, opResolveConflict, audit.Entry{
			Action:      audit.ActionConflictResolved,
			WorkspaceID: record.WorkspaceID,
			UserID:      request.UserID,
			Details:     map[string]any{"share_id": shareID, "strategy": request.Strategy, "version": record.Version},
		})
	})
	if err != nil {
		return SharedContext{}, asServiceError(opResolveConflict, err)
	}

	s.emit(notify.Event{
		Name:        notify.EventConflictResolved,
		WorkspaceID: resolved.WorkspaceID,
		ShareID:     shareID,
		UserID:      request.UserID,
		Payload:     map[string]any{"strategy": request.Strategy, "version": resolved.Version},
	})
	return resolved, nil
}

// PruneExpired physically removes every expired share and reports how many
// were removed.
func (s *Service) PruneExpired(ctx context.Context) (int, error) {
	if err := s.ensureInitialized(opPruneExpired); err != nil {
		return 0, err
	}
	defer s.startTimer(opPruneExpired)()

	perWorkspace := make(map[string][]string)
	err := s.sharingLock.WithLock(ctx, opPruneExpired, func(ctx context.Context) error {
		now := s.now()
		s.mu.Lock()
		for shareID, record := range s.shares {
			if !record.expired(now) {
				continue
			}
			delete(s.shares, shareID)
			if home, ok := s.workspaces[record.WorkspaceID]; ok {
				delete(home.shares, shareID)
			}
			perWorkspace[record.WorkspaceID] = append(perWorkspace[record.WorkspaceID], shareID)
		}
		s.mu.Unlock()

		for workspaceID, shareIDs := range perWorkspace {
			slices.Sort(shareIDs)
			if err := s.recordAudit(ctx, opPruneExpired, audit.Entry{
				Action:      audit.ActionContextsPruned,
				WorkspaceID: workspaceID,
				UserID:      systemActor,
				Details:     map[string]any{"share_ids": shareIDs, "count": len(shareIDs)},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, asServiceError(opPruneExpired, err)
	}

	pruned := 0
	for workspaceID, shareIDs := range perWorkspace {
		pruned += len(shareIDs)
		s.emit(notify.Event{
			Name:        notify.EventContextsPruned,
			WorkspaceID: workspaceID,
			UserID:      systemActor,
			Payload:     map[string]any{"count": len(shareIDs)},
		})
	}
	if pruned > 0 {
		s.loggerOrDefault().Info("pruned expired shared contexts", zap.Int("count", pruned))
	}
	return pruned, nil
}

// AuditLog returns the audit entries of a workspace, newest first. Only the
// owner and admins may read it; per-user grants do not widen access.
func (s *Service) AuditLog(ctx context.Context, workspaceID, requester string, filter audit.Filter) ([]audit.Entry, error) {
	if err := s.ensureInitialized(opAuditLog); err != nil {
		return nil, err
	}
	defer s.startTimer(opAuditLog)()

	fields := []zap.Field{zap.String(fieldWorkspaceID, workspaceID), zap.String(fieldUserID, requester)}
	standing := s.membershipOf(workspaceID, requester)
	if !standing.workspaceExists {
		return nil, s.fail(opAuditLog, reasonWorkspaceMissing, ErrWorkspaceNotFound, fields...)
	}
	if !standing.isMember {
		return nil, s.fail(opAuditLog, reasonNotMember, ErrNotMember, fields...)
	}
	if !standing.isAdmin() {
		return nil, s.fail(opAuditLog, reasonPermissionDenied, permissionDenied(CapabilityViewAudit), fields...)
	}

	filter.WorkspaceID = workspaceID
	entries, err := s.auditLog.Query(ctx, filter)
	if err != nil {
		return nil, s.fail(opAuditLog, reasonQueryFailed, err, fields...)
	}
	return entries, nil
}
