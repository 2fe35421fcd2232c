package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/teamshare/internal/audit"
	"github.com/MarcoPoloResearchLab/teamshare/internal/locks"
	"github.com/MarcoPoloResearchLab/teamshare/internal/notify"
)

var testEpoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(step time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(step)
	c.mu.Unlock()
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", g.next), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Publish(event notify.Event) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *recordingNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.events))
	for _, event := range n.events {
		names = append(names, event.Name)
	}
	return names
}

func (n *recordingNotifier) last() notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return notify.Event{}
	}
	return n.events[len(n.events)-1]
}

type recordingTimer struct {
	mu       sync.Mutex
	finished []string
}

func (r *recordingTimer) Start(operation string) func() {
	return func() {
		r.mu.Lock()
		r.finished = append(r.finished, operation)
		r.mu.Unlock()
	}
}

type testHarness struct {
	service  *Service
	clock    *fakeClock
	notifier *recordingNotifier
	timer    *recordingTimer
	auditLog *audit.Log
}

type harnessOption func(*ServiceConfig)

func withLimits(limits Limits) harnessOption {
	return func(cfg *ServiceConfig) {
		cfg.Limits = limits
	}
}

func withFuser(fuser Fuser) harnessOption {
	return func(cfg *ServiceConfig) {
		cfg.Fuser = fuser
	}
}

func withIDProvider(provider IDProvider) harnessOption {
	return func(cfg *ServiceConfig) {
		cfg.IDProvider = provider
	}
}

func newTestHarness(t *testing.T, options ...harnessOption) *testHarness {
	t.Helper()
	manager, err := locks.NewManager()
	if err != nil {
		t.Fatalf("unexpected lock manager error: %v", err)
	}
	clock := newFakeClock()
	auditLog, err := audit.NewLog(audit.Config{
		Locker:     manager.MustDomain(locks.DomainAudit),
		IDProvider: &sequenceIDs{},
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected audit log error: %v", err)
	}
	notifier := &recordingNotifier{}
	timer := &recordingTimer{}
	cfg := ServiceConfig{
		Locks:      manager,
		AuditLog:   auditLog,
		Notifier:   notifier,
		Timer:      timer,
		IDProvider: &sequenceIDs{},
		Clock:      clock.Now,
		Limits:     DefaultLimits(),
	}
	for _, option := range options {
		option(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return &testHarness{service: service, clock: clock, notifier: notifier, timer: timer, auditLog: auditLog}
}

func (h *testHarness) mustCreateWorkspace(t *testing.T, workspaceID, owner string, members ...Member) Workspace {
	t.Helper()
	created, err := h.service.CreateWorkspace(context.Background(), workspaceID, CreateWorkspaceRequest{
		Name:    workspaceID,
		Owner:   owner,
		Members: members,
	})
	if err != nil {
		t.Fatalf("unexpected create workspace error: %v", err)
	}
	return created
}

func (h *testHarness) mustAddMember(t *testing.T, workspaceID, userID string, role Role, addedBy string) {
	t.Helper()
	if _, err := h.service.AddWorkspaceMember(context.Background(), workspaceID, userID, AddMemberRequest{Role: role, AddedBy: addedBy}); err != nil {
		t.Fatalf("unexpected add member error: %v", err)
	}
}

func (h *testHarness) mustShare(t *testing.T, workspaceID, userID string, data string, operations ...Operation) ShareMetadata {
	t.Helper()
	shared, err := h.service.ShareContext(context.Background(), workspaceID, "doc", json.RawMessage(data), ShareRequest{
		UserID:            userID,
		AllowedOperations: operations,
	})
	if err != nil {
		t.Fatalf("unexpected share error: %v", err)
	}
	return shared
}

func (h *testHarness) auditActions(t *testing.T, workspaceID string) []audit.Action {
	t.Helper()
	entries, err := h.auditLog.Query(context.Background(), audit.Filter{WorkspaceID: workspaceID, Limit: 1000})
	if err != nil {
		t.Fatalf("unexpected audit query error: %v", err)
	}
	actions := make([]audit.Action, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	return actions
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error %s, got %v", code, err)
	}
	if serviceErr.Code() != code {
		t.Fatalf("expected code %s, got %s", code, serviceErr.Code())
	}
}
