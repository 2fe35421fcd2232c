package sharing

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/teamshare/internal/audit"
	"github.com/MarcoPoloResearchLab/teamshare/internal/notify"
	"go.uber.org/zap"
)

type capabilitySet uint16

var capabilityBits = map[Capability]capabilitySet{
	CapabilityRead:             1 << 0,
	CapabilityUpdate:           1 << 1,
	CapabilityShare:            1 << 2,
	CapabilityRevoke:           1 << 3,
	CapabilityDelete:           1 << 4,
	CapabilityAddMember:        1 << 5,
	CapabilityRemoveMember:     1 << 6,
	CapabilityUpdateMember:     1 << 7,
	CapabilityViewAudit:        1 << 8,
	CapabilityResolveConflicts: 1 << 9,
}

func capabilitiesOf(capabilities ...Capability) capabilitySet {
	var set capabilitySet
	for _, capability := range capabilities {
		set |= capabilityBits[capability]
	}
	return set
}

func (set capabilitySet) has(capability Capability) bool {
	bit, ok := capabilityBits[capability]
	return ok && set&bit != 0
}

var roleCapabilities = map[Role]capabilitySet{
	RoleAdmin: capabilitiesOf(CapabilityRead, CapabilityUpdate, CapabilityShare, CapabilityRevoke, CapabilityDelete,
		CapabilityAddMember, CapabilityRemoveMember, CapabilityUpdateMember, CapabilityViewAudit, CapabilityResolveConflicts),
	RoleEditor:      capabilitiesOf(CapabilityRead, CapabilityUpdate, CapabilityShare, CapabilityRevoke, CapabilityResolveConflicts),
	RoleContributor: capabilitiesOf(CapabilityRead, CapabilityUpdate, CapabilityShare),
	RoleViewer:      capabilitiesOf(CapabilityRead),
}

// CheckPermission reports whether userID holds capability in workspaceID.
// It never fails: lock errors and panics resolve to false.
func (s *Service) CheckPermission(ctx context.Context, userID, workspaceID string, capability Capability) bool {
	if s == nil || !s.initialized.Load() {
		return false
	}
	allowed := false
	err := s.permissionsLock.WithLock(ctx, opCheckPermission, func(context.Context) error {
		defer func() {
			if recovered := recover(); recovered != nil {
				allowed = false
				s.logError(opCheckPermission, "panic", fmt.Errorf("%v", recovered),
					zap.String(fieldWorkspaceID, workspaceID),
					zap.String(fieldUserID, userID))
			}
		}()
		allowed = s.evaluate(userID, workspaceID, capability)
		return nil
	})
	if err != nil {
		s.logError(opCheckPermission, reasonLockFailed, err,
			zap.String(fieldWorkspaceID, workspaceID),
			zap.String(fieldUserID, userID))
		return false
	}
	return allowed
}

// evaluate must run under permissionsLock.
func (s *Service) evaluate(userID, workspaceID string, capability Capability) bool {
	standing := s.membershipOf(workspaceID, userID)
	if !standing.workspaceExists || !standing.isMember {
		return false
	}
	if standing.isAdmin() {
		return true
	}
	if allowed, ok := s.grants[workspaceID][userID][capability]; ok {
		return allowed
	}
	return roleCapabilities[standing.info.Role].has(capability)
}

// GrantPermission sets an explicit per-user override for capability. Overrides
// take precedence over the role table but never over the owner/admin bypass.
func (s *Service) GrantPermission(ctx context.Context, workspaceID, userID string, capability Capability, allowed bool, grantedBy string) error {
	if err := s.ensureInitialized(opGrantPermission); err != nil {
		return err
	}
	defer s.startTimer(opGrantPermission)()

	if _, known := capabilityBits[capability]; !known {
		return s.fail(opGrantPermission, reasonInvalidArgument,
			fmt.Errorf("%w: unknown capability %q", ErrInvalidArgument, capability))
	}
	if userID == "" || grantedBy == "" {
		return s.fail(opGrantPermission, reasonInvalidArgument,
			fmt.Errorf("%w: user and granting user are required", ErrInvalidArgument))
	}

	err := s.permissionsLock.WithLock(ctx, opGrantPermission, func(ctx context.Context) error {
		granter := s.membershipOf(workspaceID, grantedBy)
		if !granter.workspaceExists {
			return s.fail(opGrantPermission, reasonWorkspaceMissing, ErrWorkspaceNotFound,
				zap.String(fieldWorkspaceID, workspaceID))
		}
		if !granter.isAdmin() {
			return s.fail(opGrantPermission, reasonPermissionDenied, permissionDenied(CapabilityUpdateMember),
				zap.String(fieldWorkspaceID, workspaceID),
				zap.String(fieldUserID, grantedBy))
		}
		if target := s.membershipOf(workspaceID, userID); !target.isMember {
			return s.fail(opGrantPermission, reasonNotMember, ErrNotMember,
				zap.String(fieldWorkspaceID, workspaceID),
				zap.String(fieldTargetUserID, userID))
		}

		byUser, ok := s.grants[workspaceID]
		if !ok {
			byUser = make(map[string]map[Capability]bool)
			s.grants[workspaceID] = byUser
		}
		byCapability, ok := byUser[userID]
		if !ok {
			byCapability = make(map[Capability]bool)
			byUser[userID] = byCapability
		}
		byCapability[capability] = allowed

		return s.recordAudit(ctx, opGrantPermission, audit.Entry{
			Action:       audit.ActionPermissionGranted,
			WorkspaceID:  workspaceID,
			UserID:       grantedBy,
			TargetUserID: userID,
			Details:      map[string]any{"capability": string(capability), "allowed": allowed},
		})
	})
	if err != nil {
		return asServiceError(opGrantPermission, err)
	}

	s.emit(notify.Event{
		Name:        notify.EventPermissionGranted,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Payload:     map[string]any{"capability": string(capability), "allowed": allowed, "granted_by": grantedBy},
	})
	return nil
}

// clearGrants drops overrides for one user, or for the whole workspace when userID is empty.
func (s *Service) clearGrants(ctx context.Context, operation, workspaceID, userID string) error {
	return s.permissionsLock.WithLock(ctx, operation, func(context.Context) error {
		if userID == "" {
			delete(s.grants, workspaceID)
			return nil
		}
		if byUser, ok := s.grants[workspaceID]; ok {
			delete(byUser, userID)
		}
		return nil
	})
}
