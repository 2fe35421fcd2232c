package locks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager()
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}
	return manager
}

func TestWithLockSerializesCallers(t *testing.T) {
	manager := newTestManager(t)
	domain := manager.MustDomain(DomainSharing)

	var inside atomic.Int32
	var overlaps atomic.Int32
	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 32; i++ {
		group.Go(func() error {
			return domain.WithLock(ctx, "test.serialize", func(context.Context) error {
				if inside.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overlaps.Load() != 0 {
		t.Fatalf("expected no overlapping critical sections, got %d", overlaps.Load())
	}
}

func TestWithLockIsReentrantOnSameChain(t *testing.T) {
	manager := newTestManager(t)
	domain := manager.MustDomain(DomainWorkspace)

	calls := 0
	err := domain.WithLock(context.Background(), "outer", func(ctx context.Context) error {
		calls++
		return domain.WithLock(ctx, "inner", func(context.Context) error {
			calls++
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected both bodies to run, got %d", calls)
	}
}

func TestWithLockEnforcesAcquisitionOrder(t *testing.T) {
	manager := newTestManager(t)
	sharing := manager.MustDomain(DomainSharing)
	permissions := manager.MustDomain(DomainPermissions)
	workspace := manager.MustDomain(DomainWorkspace)

	err := sharing.WithLock(context.Background(), "forward", func(ctx context.Context) error {
		if held, _ := ctx.Value(heldKey{}).(*heldSet); !held.holds(DomainSharing) {
			t.Fatalf("expected sharing to be held")
		}
		return permissions.WithLock(ctx, "forward.nested", func(context.Context) error { return nil })
	})
	if err != nil {
		t.Fatalf("forward order should succeed: %v", err)
	}

	err = permissions.WithLock(context.Background(), "backward", func(ctx context.Context) error {
		return workspace.WithLock(ctx, "backward.nested", func(context.Context) error {
			t.Fatalf("body must not run when order is violated")
			return nil
		})
	})
	if !errors.Is(err, ErrLockOrder) {
		t.Fatalf("expected ErrLockOrder, got %v", err)
	}
}

func TestWithLockReleasesOnErrorAndPanic(t *testing.T) {
	manager := newTestManager(t)
	domain := manager.MustDomain(DomainAudit)
	sentinel := errors.New("boom")

	if err := domain.WithLock(context.Background(), "fails", func(context.Context) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected body error to propagate, got %v", err)
	}

	func() {
		defer func() { _ = recover() }()
		_ = domain.WithLock(context.Background(), "panics", func(context.Context) error { panic("boom") })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := domain.WithLock(ctx, "after", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected domain to be released, got %v", err)
	}
}

func TestWithLockHonoursCancelledWait(t *testing.T) {
	manager := newTestManager(t)
	domain := manager.MustDomain(DomainSharing)

	release := make(chan struct{})
	acquired := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- domain.WithLock(context.Background(), "holder", func(context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := domain.WithLock(ctx, "waiter", func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder failed: %v", err)
	}
}

func TestNewManagerRejectsDuplicateDomains(t *testing.T) {
	if _, err := NewManager(DomainAudit, DomainAudit); !errors.Is(err, ErrDuplicateDomain) {
		t.Fatalf("expected ErrDuplicateDomain, got %v", err)
	}
	manager := newTestManager(t)
	if _, err := manager.Domain("missing"); !errors.Is(err, ErrUnknownDomain) {
		t.Fatalf("expected ErrUnknownDomain, got %v", err)
	}
}
