package sharing

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized           = errors.New("sharing: service not initialized")
	ErrInvalidArgument          = errors.New("sharing: invalid argument")
	ErrWorkspaceExists          = errors.New("sharing: workspace already exists")
	ErrMaxWorkspaces            = errors.New("sharing: maximum number of workspaces reached")
	ErrMaxMembers               = errors.New("sharing: maximum number of members reached")
	ErrWorkspaceNotFound        = errors.New("sharing: workspace not found")
	ErrNotMember                = errors.New("sharing: user is not a member of the workspace")
	ErrAlreadyMember            = errors.New("sharing: user is already a member of the workspace")
	ErrPermissionDenied         = errors.New("sharing: user does not have permission")
	ErrCannotRemoveOwner        = errors.New("sharing: cannot remove workspace owner")
	ErrCannotChangeOwnerRole    = errors.New("sharing: cannot change workspace owner role")
	ErrShareNotFound            = errors.New("sharing: shared context not found")
	ErrShareExpired             = errors.New("sharing: shared context has expired")
	ErrUnknownStrategy          = errors.New("sharing: unknown conflict resolution strategy")
	ErrManualResolutionRequired = errors.New("sharing: manual resolution data is required")
)

// ServiceError pairs a stable dotted code with the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "sharing.service.new"
	opCreateWorkspace     = "sharing.create_workspace"
	opGetWorkspace        = "sharing.get_workspace"
	opListWorkspaces      = "sharing.list_workspaces"
	opDeleteWorkspace     = "sharing.delete_workspace"
	opAddMember           = "sharing.add_member"
	opRemoveMember        = "sharing.remove_member"
	opUpdateMemberRole    = "sharing.update_member_role"
	opCheckPermission     = "sharing.check_permission"
	opGrantPermission     = "sharing.grant_permission"
	opShareContext        = "sharing.share_context"
	opGetSharedContext    = "sharing.get_shared_context"
	opListSharedContexts  = "sharing.list_shared_contexts"
	opUpdateSharedContext = "sharing.update_shared_context"
	opRevokeSharedContext = "sharing.revoke_shared_context"
	opResolveConflict     = "sharing.resolve_conflict"
	opPruneExpired        = "sharing.prune_expired"
	opAuditLog            = "sharing.audit_log"
	opRegisterStrategy    = "sharing.register_strategy"

	reasonNotInitialized   = "not_initialized"
	reasonInvalidArgument  = "invalid_argument"
	reasonAlreadyExists    = "already_exists"
	reasonLimitReached     = "limit_reached"
	reasonWorkspaceMissing = "workspace_not_found"
	reasonNotMember        = "not_member"
	reasonAlreadyMember    = "already_member"
	reasonPermissionDenied = "permission_denied"
	reasonOwnerProtected   = "owner_protected"
	reasonShareMissing     = "share_not_found"
	reasonShareExpired     = "share_expired"
	reasonUnknownStrategy  = "unknown_strategy"
	reasonStrategyFailed   = "strategy_failed"
	reasonIDFailed         = "id_generation_failed"
	reasonLockFailed       = "lock_failed"
	reasonAuditFailed      = "audit_failed"
	reasonQueryFailed      = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func permissionDenied(capability Capability) error {
	return fmt.Errorf("%w to %s", ErrPermissionDenied, capability)
}

// asServiceError keeps ServiceErrors raised inside a locked body intact and
// wraps anything else (lock acquisition failures) under the operation.
func asServiceError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	return newServiceError(operation, reasonLockFailed, err)
}
