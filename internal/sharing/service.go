package sharing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/teamshare/internal/audit"
	"github.com/MarcoPoloResearchLab/teamshare/internal/locks"
	"github.com/MarcoPoloResearchLab/teamshare/internal/notify"
	"go.uber.org/zap"
)

const (
	DefaultMaxWorkspaces   = 100
	DefaultMaxMembers      = 50
	DefaultExpirationHours = 24
	systemActor            = "system"
	fieldWorkspaceID       = "workspace_id"
	fieldShareID           = "share_id"
	fieldUserID            = "user_id"
	fieldTargetUserID      = "target_user_id"
	fieldStrategy          = "strategy"
)

var (
	errMissingLocks    = errors.New("lock manager is required")
	errMissingAuditLog = errors.New("audit log is required")
	noOpLogger         = zap.NewNop()
)

// Notifier receives lifecycle events.
type Notifier interface {
	Publish(event notify.Event)
}

// OperationTimer reports operation durations.
type OperationTimer interface {
	Start(operation string) func()
}

// IDProvider issues random identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Limits bounds the registry and sets share expiry defaults.
type Limits struct {
	MaxWorkspaces     int
	MaxMembers        int
	DefaultExpiration time.Duration
	ExpireByDefault   bool
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxWorkspaces:     DefaultMaxWorkspaces,
		MaxMembers:        DefaultMaxMembers,
		DefaultExpiration: DefaultExpirationHours * time.Hour,
		ExpireByDefault:   true,
	}
}

// ServiceConfig describes the collaborators of a Service.
type ServiceConfig struct {
	Locks      *locks.Manager
	AuditLog   *audit.Log
	Notifier   Notifier
	Timer      OperationTimer
	Fuser      Fuser
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	Limits     Limits
}

// Service owns the workspace registry, the shared context store, the
// permission grants and the conflict strategy registry.
//
// Lock domains are acquired in the order workspace, sharing, permissions,
// audit. Workspace records are additionally guarded by mu, a leaf lock that
// is never held while acquiring a domain or calling a collaborator.
type Service struct {
	workspaceLock   *locks.Domain
	sharingLock     *locks.Domain
	permissionsLock *locks.Domain

	auditLog   *audit.Log
	notifier   Notifier
	timer      OperationTimer
	fuser      Fuser
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	limits     Limits

	initialized atomic.Bool

	mu         sync.RWMutex
	workspaces map[string]*workspace

	// guarded by sharingLock
	shares map[string]*SharedContext

	// guarded by permissionsLock; workspace -> user -> capability -> allowed
	grants map[string]map[string]map[Capability]bool

	strategiesMu sync.RWMutex
	strategies   map[string]Strategy
}

// NewService constructs an initialized Service with the built-in conflict strategies registered.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Locks == nil {
		return nil, newServiceError(opServiceNew, "missing_locks", errMissingLocks)
	}
	if cfg.AuditLog == nil {
		return nil, newServiceError(opServiceNew, "missing_audit_log", errMissingAuditLog)
	}
	workspaceLock, err := cfg.Locks.Domain(locks.DomainWorkspace)
	if err != nil {
		return nil, newServiceError(opServiceNew, "missing_lock_domain", err)
	}
	sharingLock, err := cfg.Locks.Domain(locks.DomainSharing)
	if err != nil {
		return nil, newServiceError(opServiceNew, "missing_lock_domain", err)
	}
	permissionsLock, err := cfg.Locks.Domain(locks.DomainPermissions)
	if err != nil {
		return nil, newServiceError(opServiceNew, "missing_lock_domain", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	fuser := cfg.Fuser
	if fuser == nil {
		fuser = JSONFuser{}
	}
	limits := cfg.Limits
	if limits.MaxWorkspaces <= 0 {
		limits.MaxWorkspaces = DefaultMaxWorkspaces
	}
	if limits.MaxMembers <= 0 {
		limits.MaxMembers = DefaultMaxMembers
	}
	if limits.DefaultExpiration <= 0 {
		limits.DefaultExpiration = DefaultExpirationHours * time.Hour
	}

	service := &Service{
		workspaceLock:   workspaceLock,
		sharingLock:     sharingLock,
		permissionsLock: permissionsLock,
		auditLog:        cfg.AuditLog,
		notifier:        cfg.Notifier,
		timer:           cfg.Timer,
		fuser:           fuser,
		idProvider:      idProvider,
		clock:           clock,
		logger:          logger,
		limits:          limits,
		workspaces:      make(map[string]*workspace),
		shares:          make(map[string]*SharedContext),
		grants:          make(map[string]map[string]map[Capability]bool),
		strategies:      make(map[string]Strategy),
	}
	service.registerBuiltinStrategies()
	service.initialized.Store(true)
	return service, nil
}

// Close disposes of all in-memory state. Subsequent calls fail with ErrNotInitialized.
func (s *Service) Close(ctx context.Context) error {
	if !s.initialized.CompareAndSwap(true, false) {
		return nil
	}
	return s.workspaceLock.WithLock(ctx, "sharing.close", func(ctx context.Context) error {
		return s.sharingLock.WithLock(ctx, "sharing.close", func(context.Context) error {
			s.mu.Lock()
			s.workspaces = make(map[string]*workspace)
			s.mu.Unlock()
			s.shares = make(map[string]*SharedContext)
			return nil
		})
	})
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) ensureInitialized(operation string) error {
	if s == nil || !s.initialized.Load() {
		s.logError(operation, reasonNotInitialized, ErrNotInitialized)
		return newServiceError(operation, reasonNotInitialized, ErrNotInitialized)
	}
	return nil
}

func (s *Service) startTimer(operation string) func() {
	if s == nil || s.timer == nil {
		return func() {}
	}
	return s.timer.Start(operation)
}

// fail logs the failure once and returns it wrapped in a ServiceError.
func (s *Service) fail(operation, reason string, cause error, fields ...zap.Field) error {
	s.logError(operation, reason, cause, fields...)
	return newServiceError(operation, reason, cause)
}

func (s *Service) recordAudit(ctx context.Context, operation string, entry audit.Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if err := s.auditLog.Append(ctx, entry); err != nil {
		return s.fail(operation, reasonAuditFailed, err,
			zap.String(fieldWorkspaceID, entry.WorkspaceID),
			zap.String("action", string(entry.Action)))
	}
	return nil
}

func (s *Service) emit(event notify.Event) {
	if s.notifier == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	s.notifier.Publish(event)
}

// membership is a point-in-time copy of one user's standing in a workspace.
type membership struct {
	workspaceExists bool
	userID          string
	owner           string
	isMember        bool
	info            MemberInfo
}

func (m membership) isAdmin() bool {
	return m.isMember && (m.info.Role == RoleAdmin || m.owner == m.userID)
}

func (s *Service) membershipOf(workspaceID, userID string) membership {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, exists := s.workspaces[workspaceID]
	if !exists {
		return membership{}
	}
	info, isMember := record.members[userID]
	return membership{
		workspaceExists: true,
		userID:          userID,
		owner:           record.owner,
		isMember:        isMember,
		info:            info,
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("sharing service error", attrs...)
}
