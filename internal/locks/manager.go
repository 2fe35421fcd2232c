package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Domain names used by the sharing service, listed in acquisition order.
const (
	DomainWorkspace   = "workspace"
	DomainSharing     = "sharing"
	DomainPermissions = "permissions"
	DomainAudit       = "audit"
)

var (
	// ErrUnknownDomain indicates that a lock domain was not registered with the manager.
	ErrUnknownDomain = errors.New("locks: unknown domain")
	// ErrLockOrder indicates that a domain was requested while a later-ordered domain is held.
	ErrLockOrder = errors.New("locks: acquisition order violated")
	// ErrDuplicateDomain indicates that the same domain name was supplied twice.
	ErrDuplicateDomain = errors.New("locks: duplicate domain")
)

// DefaultOrder is the global acquisition order for the sharing service.
var DefaultOrder = []string{DomainWorkspace, DomainSharing, DomainPermissions, DomainAudit}

type heldKey struct{}

// heldSet is an immutable record of the domains held along one call chain.
type heldSet struct {
	parent *heldSet
	name   string
	rank   int
}

func (h *heldSet) holds(name string) bool {
	for cursor := h; cursor != nil; cursor = cursor.parent {
		if cursor.name == name {
			return true
		}
	}
	return false
}

func (h *heldSet) maxRank() (int, string) {
	rank, name := -1, ""
	for cursor := h; cursor != nil; cursor = cursor.parent {
		if cursor.rank > rank {
			rank, name = cursor.rank, cursor.name
		}
	}
	return rank, name
}

// Manager hands out named lock domains with a fixed global acquisition order.
// A domain may only be acquired while every held domain ranks strictly lower.
type Manager struct {
	mu      sync.RWMutex
	domains map[string]*Domain
}

// NewManager registers one domain per name; the slice position is its rank.
func NewManager(order ...string) (*Manager, error) {
	if len(order) == 0 {
		order = DefaultOrder
	}
	manager := &Manager{domains: make(map[string]*Domain, len(order))}
	for rank, name := range order {
		if _, exists := manager.domains[name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDomain, name)
		}
		manager.domains[name] = &Domain{
			name:   name,
			rank:   rank,
			weight: semaphore.NewWeighted(1),
		}
	}
	return manager, nil
}

// Domain returns the named domain.
func (m *Manager) Domain(name string) (*Domain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	domain, ok := m.domains[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, name)
	}
	return domain, nil
}

// MustDomain returns the named domain or panics. Intended for wiring code.
func (m *Manager) MustDomain(name string) *Domain {
	domain, err := m.Domain(name)
	if err != nil {
		panic(err)
	}
	return domain
}

// Domain serializes callers by name. Waiters are admitted in arrival order.
type Domain struct {
	name   string
	rank   int
	weight *semaphore.Weighted
}

// WithLock runs body while holding the domain. The context passed to body
// records the held domain; nested acquisitions must use it. Re-entering a
// domain already held on the same chain runs body without blocking.
// Cancelling ctx aborts a pending acquisition but never interrupts body.
func (d *Domain) WithLock(ctx context.Context, operation string, body func(context.Context) error) error {
	held, _ := ctx.Value(heldKey{}).(*heldSet)
	if held.holds(d.name) {
		return body(ctx)
	}
	if rank, holder := held.maxRank(); rank >= d.rank {
		return fmt.Errorf("%w: %s requested %s while holding %s", ErrLockOrder, operation, d.name, holder)
	}

	if err := d.weight.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("locks: %s waiting for %s: %w", operation, d.name, err)
	}
	defer d.weight.Release(1)

	inner := context.WithValue(ctx, heldKey{}, &heldSet{parent: held, name: d.name, rank: d.rank})
	return body(inner)
}
