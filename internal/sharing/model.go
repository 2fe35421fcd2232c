package sharing

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Role is a workspace member role. Unrecognized roles are kept but grant nothing.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleEditor      Role = "editor"
	RoleContributor Role = "contributor"
	RoleViewer      Role = "viewer"
)

// Capability is a named action gated by role membership.
type Capability string

const (
	CapabilityRead             Capability = "read"
	CapabilityUpdate           Capability = "update"
	CapabilityShare            Capability = "share"
	CapabilityRevoke           Capability = "revoke"
	CapabilityDelete           Capability = "delete"
	CapabilityAddMember        Capability = "add_member"
	CapabilityRemoveMember     Capability = "remove_member"
	CapabilityUpdateMember     Capability = "update_member"
	CapabilityViewAudit        Capability = "view_audit"
	CapabilityResolveConflicts Capability = "resolve_conflicts"
)

// Operation is an action an individual share permits, independent of role.
type Operation string

const (
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
)

// ParseRole normalizes raw input into a Role. Empty input yields RoleViewer.
func ParseRole(raw string) Role {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return RoleViewer
	}
	return Role(trimmed)
}

// ParseCapability validates raw input against the known capabilities.
func ParseCapability(raw string) (Capability, bool) {
	capability := Capability(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := capabilityBits[capability]
	return capability, ok
}

// Member is the flattened view of one roster entry.
type Member struct {
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
	AddedBy  string    `json:"added_by"`
}

// MemberInfo is stored per member in a workspace roster.
type MemberInfo struct {
	Role     Role
	JoinedAt time.Time
	AddedBy  string
}

// Workspace is a read-only projection of a collaboration workspace.
type Workspace struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Members     []Member  `json:"members"`
	ShareCount  int       `json:"share_count"`
}

// CreateWorkspaceRequest carries the attributes of a new workspace.
type CreateWorkspaceRequest struct {
	Name        string
	Description string
	Owner       string
	Members     []Member
}

// AddMemberRequest describes a roster addition.
type AddMemberRequest struct {
	Role    Role
	AddedBy string
}

// RemoveMemberRequest describes a roster removal.
type RemoveMemberRequest struct {
	RemovedBy string
}

// UpdateMemberRoleRequest describes a role change.
type UpdateMemberRoleRequest struct {
	Role      Role
	UpdatedBy string
}

// ShareRequest carries the sharing options for ShareContext.
type ShareRequest struct {
	UserID            string
	AllowedOperations []Operation
	ExpiresAt         *time.Time
}

// ResolveRequest carries the options for ResolveConflict.
type ResolveRequest struct {
	UserID           string
	Strategy         string
	ManualResolution json.RawMessage
}

// HistoryEntry records a payload that was replaced by an update.
type HistoryEntry struct {
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ConflictRecord stamps the latest conflict resolution on a share.
type ConflictRecord struct {
	ResolvedAt time.Time `json:"resolved_at"`
	ResolvedBy string    `json:"resolved_by"`
	Strategy   string    `json:"strategy"`
}

// SharedContext is a versioned, permissioned payload scoped to one workspace.
type SharedContext struct {
	ShareID            string          `json:"share_id"`
	WorkspaceID        string          `json:"workspace_id"`
	ContextType        string          `json:"context_type"`
	Data               json.RawMessage `json:"data"`
	SharedBy           string          `json:"shared_by"`
	SharedAt           time.Time       `json:"shared_at"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty"`
	AllowedOperations  []Operation     `json:"allowed_operations"`
	Version            int64           `json:"version"`
	AccessCount        int64           `json:"access_count"`
	LastAccessed       *time.Time      `json:"last_accessed,omitempty"`
	LastUpdated        time.Time       `json:"last_updated"`
	LastUpdatedBy      string          `json:"last_updated_by"`
	History            []HistoryEntry  `json:"history"`
	ConflictResolution *ConflictRecord `json:"conflict_resolution,omitempty"`
}

// ShareMetadata describes a share without its payload.
type ShareMetadata struct {
	ShareID           string      `json:"share_id"`
	WorkspaceID       string      `json:"workspace_id"`
	ContextType       string      `json:"context_type"`
	SharedBy          string      `json:"shared_by"`
	SharedAt          time.Time   `json:"shared_at"`
	ExpiresAt         *time.Time  `json:"expires_at,omitempty"`
	AllowedOperations []Operation `json:"allowed_operations"`
	Version           int64       `json:"version"`
}

func (c *SharedContext) allows(operation Operation) bool {
	return slices.Contains(c.AllowedOperations, operation)
}

func (c *SharedContext) expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

func (c *SharedContext) metadata() ShareMetadata {
	return ShareMetadata{
		ShareID:           c.ShareID,
		WorkspaceID:       c.WorkspaceID,
		ContextType:       c.ContextType,
		SharedBy:          c.SharedBy,
		SharedAt:          c.SharedAt,
		ExpiresAt:         cloneTime(c.ExpiresAt),
		AllowedOperations: slices.Clone(c.AllowedOperations),
		Version:           c.Version,
	}
}

func (c *SharedContext) clone() SharedContext {
	copied := *c
	copied.Data = cloneRaw(c.Data)
	copied.ExpiresAt = cloneTime(c.ExpiresAt)
	copied.LastAccessed = cloneTime(c.LastAccessed)
	copied.AllowedOperations = slices.Clone(c.AllowedOperations)
	copied.History = make([]HistoryEntry, len(c.History))
	for index, entry := range c.History {
		entry.Data = cloneRaw(entry.Data)
		copied.History[index] = entry
	}
	if c.ConflictResolution != nil {
		record := *c.ConflictResolution
		copied.ConflictResolution = &record
	}
	return copied
}

// workspace is the live, mutable registry record.
type workspace struct {
	id          string
	name        string
	description string
	owner       string
	createdAt   time.Time
	updatedAt   time.Time
	members     map[string]MemberInfo
	shares      map[string]*SharedContext
}

func (w *workspace) isAdmin(userID string) bool {
	if userID == w.owner {
		return true
	}
	member, ok := w.members[userID]
	return ok && member.Role == RoleAdmin
}

func (w *workspace) projection() Workspace {
	members := make([]Member, 0, len(w.members))
	for userID, info := range w.members {
		members = append(members, Member{
			UserID:   userID,
			Role:     info.Role,
			JoinedAt: info.JoinedAt,
			AddedBy:  info.AddedBy,
		})
	}
	slices.SortFunc(members, func(a, b Member) int {
		if byJoin := a.JoinedAt.Compare(b.JoinedAt); byJoin != 0 {
			return byJoin
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return Workspace{
		ID:          w.id,
		Name:        w.name,
		Description: w.description,
		Owner:       w.owner,
		CreatedAt:   w.createdAt,
		UpdatedAt:   w.updatedAt,
		Members:     members,
		ShareCount:  len(w.shares),
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
