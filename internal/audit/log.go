package audit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Action names a mutating operation recorded in the log.
type Action string

const (
	ActionWorkspaceCreated  Action = "workspace_created"
	ActionWorkspaceDeleted  Action = "workspace_deleted"
	ActionContextShared     Action = "context_shared"
	ActionContextAccessed   Action = "context_accessed"
	ActionContextUpdated    Action = "context_updated"
	ActionContextRevoked    Action = "context_revoked"
	ActionContextsPruned    Action = "contexts_pruned"
	ActionMemberAdded       Action = "member_added"
	ActionMemberRemoved     Action = "member_removed"
	ActionMemberRoleUpdated Action = "member_role_updated"
	ActionPermissionGranted Action = "permission_granted"
	ActionConflictResolved  Action = "conflict_resolved"
)

const (
	// DefaultMaxEntries caps the in-memory log when no limit is configured.
	DefaultMaxEntries = 10000
	// DefaultQueryLimit applies when a query does not set a limit.
	DefaultQueryLimit = 100

	opAppend = "audit.append"
	opQuery  = "audit.query"
)

var (
	errMissingLocker = errors.New("audit: lock domain is required")
	// ErrInvalidEntry indicates that an entry lacks an action or workspace.
	ErrInvalidEntry = errors.New("audit: invalid entry")
)

// Entry is one immutable record of a mutating action.
type Entry struct {
	ID           string
	Action       Action
	WorkspaceID  string
	UserID       string
	TargetUserID string
	Timestamp    time.Time
	Details      map[string]any
}

// Filter narrows a Query. Empty fields match everything.
type Filter struct {
	WorkspaceID  string
	Action       Action
	TargetUserID string
	Limit        int
	Offset       int
}

// Archiver receives entries evicted by the size cap.
type Archiver interface {
	Archive(ctx context.Context, entries []Entry) error
}

// IDProvider issues entry identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Locker serializes access to the log.
type Locker interface {
	WithLock(ctx context.Context, operation string, body func(context.Context) error) error
}

// Config describes the dependencies of a Log.
type Config struct {
	Locker     Locker
	MaxEntries int
	Archiver   Archiver
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Log is an append-only, size-capped record shared by every workspace.
// When the cap is exceeded the entries are ordered newest first and the
// oldest are dropped, regardless of which workspace they belong to.
type Log struct {
	locker     Locker
	maxEntries int
	archiver   Archiver
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	entries    []Entry
}

// NewLog constructs a Log.
func NewLog(cfg Config) (*Log, error) {
	if cfg.Locker == nil {
		return nil, errMissingLocker
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		locker:     cfg.Locker,
		maxEntries: maxEntries,
		archiver:   cfg.Archiver,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Append records entry. A zero timestamp is replaced by the log clock.
func (l *Log) Append(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(string(entry.Action)) == "" || strings.TrimSpace(entry.WorkspaceID) == "" {
		return fmt.Errorf("%w: action and workspace are required", ErrInvalidEntry)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock().UTC()
	}
	if entry.ID == "" && l.idProvider != nil {
		id, err := l.idProvider.NewID()
		if err != nil {
			return fmt.Errorf("audit: entry id: %w", err)
		}
		entry.ID = id
	}
	entry.Details = cloneDetails(entry.Details)

	var evicted []Entry
	err := l.locker.WithLock(ctx, opAppend, func(context.Context) error {
		l.entries = append(l.entries, entry)
		if len(l.entries) <= l.maxEntries {
			return nil
		}
		sortNewestFirst(l.entries)
		evicted = slices.Clone(l.entries[l.maxEntries:])
		l.entries = slices.Clip(l.entries[:l.maxEntries])
		return nil
	})
	if err != nil {
		return err
	}

	if len(evicted) > 0 && l.archiver != nil {
		if archiveErr := l.archiver.Archive(ctx, evicted); archiveErr != nil {
			l.logger.Warn("audit archive failed",
				zap.String("operation", opAppend),
				zap.Int("evicted", len(evicted)),
				zap.Error(archiveErr))
		}
	}
	return nil
}

// Query returns matching entries, newest first.
func (l *Log) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var matched []Entry
	err := l.locker.WithLock(ctx, opQuery, func(context.Context) error {
		for _, entry := range l.entries {
			if filter.WorkspaceID != "" && entry.WorkspaceID != filter.WorkspaceID {
				continue
			}
			if filter.Action != "" && entry.Action != filter.Action {
				continue
			}
			if filter.TargetUserID != "" && entry.TargetUserID != filter.TargetUserID {
				continue
			}
			copied := entry
			copied.Details = cloneDetails(entry.Details)
			matched = append(matched, copied)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortNewestFirst(matched)
	if offset >= len(matched) {
		return []Entry{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// Len reports the number of retained entries.
func (l *Log) Len(ctx context.Context) (int, error) {
	count := 0
	err := l.locker.WithLock(ctx, "audit.len", func(context.Context) error {
		count = len(l.entries)
		return nil
	})
	return count, err
}

func sortNewestFirst(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
}

func cloneDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	copied := make(map[string]any, len(details))
	for key, value := range details {
		copied[key] = value
	}
	return copied
}
