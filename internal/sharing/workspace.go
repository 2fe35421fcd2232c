package sharing

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/MarcoPoloResearchLab/teamshare/internal/audit"
	"github.com/MarcoPoloResearchLab/teamshare/internal/notify"
	"go.uber.org/zap"
)

// CreateWorkspace registers a new workspace. The owner is always admitted as
// admin; roster entries without a user or role are skipped. A roster larger
// than the member cap rejects the whole workspace.
func (s *Service) CreateWorkspace(ctx context.Context, workspaceID string, request CreateWorkspaceRequest) (Workspace, error) {
	if err := s.ensureInitialized(opCreateWorkspace); err != nil {
		return Workspace{}, err
	}
	defer s.startTimer(opCreateWorkspace)()

	workspaceID = strings.TrimSpace(workspaceID)
	owner := strings.TrimSpace(request.Owner)
	if workspaceID == "" || owner == "" {
		return Workspace{}, s.fail(opCreateWorkspace, reasonInvalidArgument,
			fmt.Errorf("%w: workspace id and owner are required", ErrInvalidArgument))
	}

	var created Workspace
	err := s.workspaceLock.WithLock(ctx, opCreateWorkspace, func(ctx context.Context) error {
		now := s.now()
		s.mu.Lock()
		if _, exists := s.workspaces[workspaceID]; exists {
			s.mu.Unlock()
			return s.fail(opCreateWorkspace, reasonAlreadyExists,
				fmt.Errorf("%w: %s", ErrWorkspaceExists, workspaceID),
				zap.String(fieldWorkspaceID, workspaceID))
		}
		if len(s.workspaces) >= s.limits.MaxWorkspaces {
			s.mu.Unlock()
			return s.fail(opCreateWorkspace, reasonLimitReached,
				fmt.Errorf("%w (%d)", ErrMaxWorkspaces, s.limits.MaxWorkspaces),
				zap.String(fieldWorkspaceID, workspaceID))
		}

		record := &workspace{
			id:          workspaceID,
			name:        request.Name,
			description: request.Description,
			owner:       owner,
			createdAt:   now,
			updatedAt:   now,
			members:     map[string]MemberInfo{owner: {Role: RoleAdmin, JoinedAt: now, AddedBy: owner}},
			shares:      make(map[string]*SharedContext),
		}
		for _, member := range request.Members {
			userID := strings.TrimSpace(member.UserID)
			role := Role(strings.ToLower(strings.TrimSpace(string(member.Role))))
			if userID == "" || role == "" || userID == owner {
				continue
			}
			if _, listed := record.members[userID]; !listed && len(record.members) >= s.limits.MaxMembers {
				s.mu.Unlock()
				return s.fail(opCreateWorkspace, reasonLimitReached,
					fmt.Errorf("%w (%d)", ErrMaxMembers, s.limits.MaxMembers),
					zap.String(fieldWorkspaceID, workspaceID))
			}
			record.members[userID] = MemberInfo{Role: role, JoinedAt: now, AddedBy: owner}
		}
		s.workspaces[workspaceID] = record
		created = record.projection()
		s.mu.Unlock()

		return s.recordAudit(ctx, opCreateWorkspace, audit.Entry{
			Action:      audit.ActionWorkspaceCreated,
			WorkspaceID: workspaceID,
			UserID:      owner,
			Details:     map[string]any{"name": request.Name, "member_count": len(created.Members)},
		})
	})
	if err != nil {
		return Workspace{}, asServiceError(opCreateWorkspace, err)
	}

	s.emit(notify.Event{
		Name:        notify.EventWorkspaceCreated,
		WorkspaceID: workspaceID,
		UserID:      owner,
		Payload:     map[string]any{"name": created.Name, "member_count": len(created.Members)},
	})
	return created, nil
}

// GetWorkspace returns the projection of a workspace the requester belongs to.
func (s *Service) GetWorkspace(ctx context.Context, workspaceID, requester string) (Workspace, error) {
	if err := s.ensureInitialized(opGetWorkspace); err != nil {
		return Workspace{}, err
	}
	defer s.startTimer(opGetWorkspace)()

	s.mu.RLock()
	record, exists := s.workspaces[workspaceID]
	var projection Workspace
	isMember := false
	if exists {
		_, isMember = record.members[requester]
		projection = record.projection()
	}
	s.mu.RUnlock()

	if !exists {
		return Workspace{}, s.fail(opGetWorkspace, reasonWorkspaceMissing, ErrWorkspaceNotFound,
			zap.String(fieldWorkspaceID, workspaceID))
	}
	if !isMember {
		return Workspace{}, s.fail(opGetWorkspace, reasonNotMember, ErrNotMember,
			zap.String(fieldWorkspaceID, workspaceID),
			zap.String(fieldUserID, requester))
	}
	return projection, nil
}

// ListWorkspaces returns the workspaces userID belongs to, ordered by id.
func (s *Service) ListWorkspaces(ctx context.Context, userID string) ([]Workspace, error) {
	if err := s.ensureInitialized(opListWorkspaces); err != nil {
		return nil, err
	}
	defer s.startTimer(opListWorkspaces)()

	s.mu.RLock()
	projections := make([]Workspace, 0)
	for _, record := range s.workspaces {
		if _, ok := record.members[userID]; ok {
			projections = append(projections, record.projection())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(projections, func(a, b Workspace) int {
		return strings.Compare(a.ID, b.ID)
	})
	return projections, nil
}

// AddWorkspaceMember admits userID. Only the owner or an admin may add members.
func (s *Service) AddWorkspaceMember(ctx context.Context, workspaceID, userID string, request AddMemberRequest) (Member, error) {
	if err := s.ensureInitialized(opAddMember); err != nil {
		return Member{}, err
	}
	defer s.startTimer(opAddMember)()

	userID = strings.TrimSpace(userID)
	if userID == "" || request.AddedBy == "" {
		return Member{}, s.fail(opAddMember, reasonInvalidArgument,
			fmt.Errorf("%w: user and adding user are required", ErrInvalidArgument))
	}
	role := ParseRole(string(request.Role))

	var added Member
	err := s.workspaceLock.WithLock(ctx, opAddMember, func(ctx context.Context) error {
		fields := []zap.Field{zap.String(fieldWorkspaceID, workspaceID), zap.String(fieldUserID, request.AddedBy), zap.String(fieldTargetUserID, userID)}
		now := s.now()

		s.mu.Lock()
		record, exists := s.workspaces[workspaceID]
		if !exists {
			s.mu.Unlock()
			return s.fail(opAddMember, reasonWorkspaceMissing, ErrWorkspaceNotFound, fields...)
		}
		if _, ok := record.members[request.AddedBy]; !ok {
			s.mu.Unlock()
			return s.fail(opAddMember, reasonNotMember, ErrNotMember, fields...)
		}
		if !record.isAdmin(request.AddedBy) {
			s.mu.Unlock()
			return s.fail(opAddMember, reasonPermissionDenied, permissionDenied(CapabilityAddMember), fields...)
		}
		if _, ok := record.members[userID]; ok {
			s.mu.Unlock()
			return s.fail(opAddMember, reasonAlreadyMember, ErrAlreadyMember, fields...)
		}
		if len(record.members) >= s.limits.MaxMembers {
			s.mu.Unlock()
			return s.fail(opAddMember, reasonLimitReached,
				fmt.Errorf("%w (%d)", ErrMaxMembers, s.limits.MaxMembers), fields...)
		}
		info := MemberInfo{Role: role, JoinedAt: now, AddedBy: request.AddedBy}
		record.members[userID] = info
		record.updatedAt = now
		s.mu.Unlock()

		added = Member{UserID: userID, Role: info.Role, JoinedAt: info.JoinedAt, AddedBy: info.AddedBy}
		return s.recordAudit(ctx, opAddMember, audit.Entry{
			Action:       audit.ActionMemberAdded,
			WorkspaceID:  workspaceID,
			UserID:       request.AddedBy,
			TargetUserID: userID,
			Details:      map[string]any{"role": string(role)},
		})
	})
	if err != nil {
		return Member{}, asServiceError(opAddMember, err)
	}

	s.emit(notify.Event{
		Name:        notify.EventMemberAdded,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Payload:     map[string]any{"role": string(role), "added_by": request.AddedBy},
	})
	return added, nil
}

// RemoveWorkspaceMember removes userID. Admins, the owner, and the member
// themself may remove; the owner can never be removed.
func (s *Service) RemoveWorkspaceMember(ctx context.Context, workspaceID, userID string, request RemoveMemberRequest) error {
	if err := s.ensureInitialized(opRemoveMember); err != nil {
		return err
	}
	defer s.startTimer(opRemoveMember)()

	if userID == "" || request.RemovedBy == "" {
		return s.fail(opRemoveMember, reasonInvalidArgument,
			fmt.Errorf("%w: user and removing user are required", ErrInvalidArgument))
	}

	selfRemoval := userID == request.RemovedBy
	err := s.workspaceLock.WithLock(ctx, opRemoveMember, func(ctx context.Context) error {
		fields := []zap.Field{zap.String(fieldWorkspaceID, workspaceID), zap.String(fieldUserID, request.RemovedBy), zap.String(fieldTargetUserID, userID)}

		s.mu.Lock()
		record, exists := s.workspaces[workspaceID]
		if !exists {
			s.mu.Unlock()
			return s.fail(opRemoveMember, reasonWorkspaceMissing, ErrWorkspaceNotFound, fields...)
		}
		if _, ok := record.members[request.RemovedBy]; !ok {
			s.mu.Unlock()
			return s.fail(opRemoveMember, reasonNotMember, ErrNotMember, fields...)
		}
		if !selfRemoval && !record.isAdmin(request.RemovedBy) {
			s.mu.Unlock()
			return s.fail(opRemoveMember, reasonPermissionDenied, permissionDenied(CapabilityRemoveMember), fields...)
		}
		if _, ok := record.members[userID]; !ok {
			s.mu.Unlock()
			return s.fail(opRemoveMember, reasonNotMember, ErrNotMember, fields...)
		}
		if userID == record.owner {
			s.mu.Unlock()
			return s.fail(opRemoveMember, reasonOwnerProtected, ErrCannotRemoveOwner, fields...)
		}
		delete(record.members, userID)
		record.updatedAt = s.now()
		s.mu.Unlock()

		if err := s.clearGrants(ctx, opRemoveMember, workspaceID, userID); err != nil {
			return err
		}
		return s.recordAudit(ctx, opRemoveMember, audit.Entry{
			Action:       audit.ActionMemberRemoved,
			WorkspaceID:  workspaceID,
			UserID:       request.RemovedBy,
			TargetUserID: userID,
			Details:      map[string]any{"self_removal": selfRemoval},
		})
	})
	if err != nil {
		return asServiceError(opRemoveMember, err)
	}

	s.emit(notify.Event{
		Name:        notify.EventMemberRemoved,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Payload:     map[string]any{"removed_by": request.RemovedBy},
	})
	return nil
}

// UpdateMemberRole changes the role of a non-owner member.
func (s *Service) UpdateMemberRole(ctx context.Context, workspaceID, userID string, request UpdateMemberRoleRequest) (Member, error) {
	if err := s.ensureInitialized(opUpdateMemberRole); err != nil {
		return Member{}, err
	}
	defer s.startTimer(opUpdateMemberRole)()

	if userID == "" || request.UpdatedBy == "" || strings.TrimSpace(string(request.Role)) == "" {
		return Member{}, s.fail(opUpdateMemberRole, reasonInvalidArgument,
			fmt.Errorf("%w: user, role and updating user are required", ErrInvalidArgument))
	}
	role := ParseRole(string(request.Role))

	var updated Member
	var previous Role
	err := s.workspaceLock.WithLock(ctx, opUpdateMemberRole, func(ctx context.Context) error {
		fields := []zap.Field{zap.String(fieldWorkspaceID, workspaceID), zap.String(fieldUserID, request.UpdatedBy), zap.String(fieldTargetUserID, userID)}
		if !s.membershipOf(workspaceID, request.UpdatedBy).workspaceExists {
			return s.fail(opUpdateMemberRole, reasonWorkspaceMissing, ErrWorkspaceNotFound, fields...)
		}
		if !s.CheckPermission(ctx, request.UpdatedBy, workspaceID, CapabilityUpdateMember) {
			return s.fail(opUpdateMemberRole, reasonPermissionDenied, permissionDenied(CapabilityUpdateMember), fields...)
		}

		s.mu.Lock()
		record, exists := s.workspaces[workspaceID]
		if !exists {
			s.mu.Unlock()
			return s.fail(opUpdateMemberRole, reasonWorkspaceMissing, ErrWorkspaceNotFound, fields...)
		}
		info, ok := record.members[userID]
		if !ok {
			s.mu.Unlock()
			return s.fail(opUpdateMemberRole, reasonNotMember, ErrNotMember, fields...)
		}
		if userID == record.owner {
			s.mu.Unlock()
			return s.fail(opUpdateMemberRole, reasonOwnerProtected, ErrCannotChangeOwnerRole, fields...)
		}
		previous = info.Role
		info.Role = role
		record.members[userID] = info
		record.updatedAt = s.now()
		s.mu.Unlock()

		updated = Member{UserID: userID, Role: info.Role, JoinedAt: info.JoinedAt, AddedBy: info.AddedBy}
		return s.recordAudit(ctx, opUpdateMemberRole, audit.Entry{
			Action:       audit.ActionMemberRoleUpdated,
			WorkspaceID:  workspaceID,
			UserID:       request.UpdatedBy,
			TargetUserID: userID,
			Details:      map[string]any{"previous_role": string(previous), "role": string(role)},
		})
	})
	if err != nil {
		return Member{}, asServiceError(opUpdateMemberRole, err)
	}

	s.emit(notify.Event{
		Name:        notify.EventMemberRoleUpdated,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Payload:     map[string]any{"previous_role": string(previous), "role": string(role), "updated_by": request.UpdatedBy},
	})
	return updated, nil
}

// DeleteWorkspace removes a workspace together with all of its shares and
// permission overrides. Its audit history is kept.
func (s *Service) DeleteWorkspace(ctx context.Context, workspaceID, requester string) error {
	if err := s.ensureInitialized(opDeleteWorkspace); err != nil {
		return err
	}
	defer s.startTimer(opDeleteWorkspace)()

	removedShares := 0
	err := s.workspaceLock.WithLock(ctx, opDeleteWorkspace, func(ctx context.Context) error {
		fields := []zap.Field{zap.String(fieldWorkspaceID, workspaceID), zap.String(fieldUserID, requester)}
		standing := s.membershipOf(workspaceID, requester)
		if !standing.workspaceExists {
			return s.fail(opDeleteWorkspace, reasonWorkspaceMissing, ErrWorkspaceNotFound, fields...)
		}
		if !standing.isMember {
			return s.fail(opDeleteWorkspace, reasonNotMember, ErrNotMember, fields...)
		}
		if !s.CheckPermission(ctx, requester, workspaceID, CapabilityDelete) {
			return s.fail(opDeleteWorkspace, reasonPermissionDenied, permissionDenied(CapabilityDelete), fields...)
		}

		err := s.sharingLock.WithLock(ctx, opDeleteWorkspace, func(context.Context) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			record, exists := s.workspaces[workspaceID]
			if !exists {
				return nil
			}
			for shareID := range record.shares {
				delete(s.shares, shareID)
			}
			removedShares = len(record.shares)
			delete(s.workspaces, workspaceID)
			return nil
		})
		if err != nil {
			return err
		}
		if err := s.clearGrants(ctx, opDeleteWorkspace, workspaceID, ""); err != nil {
			return err
		}
		return s.recordAudit(ctx, opDeleteWorkspace, audit.Entry{
			Action:      audit.ActionWorkspaceDeleted,
			WorkspaceID: workspaceID,
			UserID:      requester,
			Details:     map[string]any{"removed_shares": removedShares},
		})
	})
	if err != nil {
		return asServiceError(opDeleteWorkspace, err)
	}

	s.emit(notify.Event{
		Name:        notify.EventWorkspaceDeleted,
		WorkspaceID: workspaceID,
		UserID:      requester,
		Payload:     map[string]any{"removed_shares": removedShares},
	})
	return nil
}
