package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/teamshare/internal/notify"
)

type stubFuser struct {
	contextType string
	payloads    []string
	result      json.RawMessage
	err         error
}

func (f *stubFuser) FuseContext(_ context.Context, contextType string, payloads []json.RawMessage) (json.RawMessage, error) {
	f.contextType = contextType
	for _, payload := range payloads {
		f.payloads = append(f.payloads, string(payload))
	}
	return f.result, f.err
}

func newConflictFixture(t *testing.T, options ...harnessOption) (*testHarness, ShareMetadata) {
	t.Helper()
	harness := newTestHarness(t, options...)
	harness.mustCreateWorkspace(t, "ws1", "alice")
	harness.mustAddMember(t, "ws1", "bob", RoleEditor, "alice")
	shared := harness.mustShare(t, "ws1", "alice", `{"v":1}`, OperationRead, OperationUpdate)
	return harness, shared
}

func (h *testHarness) mustUpdate(t *testing.T, shareID, data, userID string) {
	t.Helper()
	h.clock.Advance(time.Minute)
	if _, err := h.service.UpdateSharedContext(context.Background(), shareID, json.RawMessage(data), userID); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
}

func TestManualResolutionRequiresData(t *testing.T) {
	harness, shared := newConflictFixture(t)
	ctx := context.Background()

	_, err := harness.service.ResolveConflict(ctx, shared.ShareID, ResolveRequest{UserID: "alice", Strategy: StrategyManual})
	if !errors.Is(err, ErrManualResolutionRequired) {
		t.Fatalf("expected manual resolution error, got %v", err)
	}
	if !strings.Contains(strings.ToLower(err.Error()), "manual resolution data is required") {
		t.Fatalf("unexpected message %q", err.Error())
	}

	resolved, err := harness.service.ResolveConflict(ctx, shared.ShareID, ResolveRequest{
		UserID:           "alice",
		Strategy:         StrategyManual,
		ManualResolution: json.RawMessage(`{"x":1}`),
	})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if resolved.Version != shared.Version+1 {
		t.Fatalf("expected version %d, got %d", shared.Version+1, resolved.Version)
	}
	if resolved.ConflictResolution == nil || resolved.ConflictResolution.Strategy != StrategyManual || resolved.ConflictResolution.ResolvedBy != "alice" {
		t.Fatalf("unexpected conflict record: %#v", resolved.ConflictResolution)
	}
	if string(resolved.Data) != `{"x":1}` {
		t.Fatalf("unexpected payload %s", resolved.Data)
	}
	if len(resolved.History) != 0 {
		t.Fatalf("expected resolution not to push history, got %#v", resolved.History)
	}
	if last := harness.notifier.last(); last.Name != notify.EventConflictResolved {
		t.Fatalf("unexpected event: %#v", last)
	}
}

func TestBuiltinStrategies(t *testing.T) {
	testCases := []struct {
		name     string
		strategy string
		updates  [][2]string
		expected string
	}{
		{name: "last write keeps current", strategy: StrategyLastWriteWins, updates: [][2]string{{`{"v":2}`, "bob"}}, expected: `{"v":2}`},
		{name: "first write without history", strategy: StrategyFirstWriteWins, expected: `{"v":1}`},
		{name: "first write restores original", strategy: StrategyFirstWriteWins, updates: [][2]string{{`{"v":2}`, "bob"}, {`{"v":3}`, "bob"}}, expected: `{"v":1}`},
		{name: "owner preference picks sharer payload", strategy: StrategyOwnerPreference, updates: [][2]string{{`{"v":2}`, "alice"}, {`{"v":3}`, "bob"}}, expected: `{"v":2}`},
		{name: "owner preference keeps sharer's latest", strategy: StrategyOwnerPreference, updates: [][2]string{{`{"v":2}`, "bob"}, {`{"v":3}`, "alice"}}, expected: `{"v":3}`},
		{name: "owner preference falls back to original", strategy: StrategyOwnerPreference, updates: [][2]string{{`{"v":2}`, "bob"}}, expected: `{"v":1}`},
		{name: "merge fuses history", strategy: StrategyMerge, updates: [][2]string{{`{"v":2,"a":true}`, "bob"}}, expected: `{"a":true,"v":2}`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			harness, shared := newConflictFixture(t)
			for _, update := range testCase.updates {
				harness.mustUpdate(t, shared.ShareID, update[0], update[1])
			}
			resolved, err := harness.service.ResolveConflict(context.Background(), shared.ShareID, ResolveRequest{UserID: "bob", Strategy: testCase.strategy})
			if err != nil {
				t.Fatalf("unexpected resolve error: %v", err)
			}
			if string(resolved.Data) != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, resolved.Data)
			}
			if resolved.Version != int64(len(testCase.updates)+2) {
				t.Fatalf("expected version %d, got %d", len(testCase.updates)+2, resolved.Version)
			}
		})
	}
}

func TestMergeStrategyPassesOrderedPayloads(t *testing.T) {
	fuser := &stubFuser{result: json.RawMessage(`{"merged":true}`)}
	harness, shared := newConflictFixture(t, withFuser(fuser))
	harness.mustUpdate(t, shared.ShareID, `{"v":2}`, "bob")
	harness.mustUpdate(t, shared.ShareID, `{"v":3}`, "alice")

	resolved, err := harness.service.ResolveConflict(context.Background(), shared.ShareID, ResolveRequest{UserID: "alice", Strategy: StrategyMerge})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if fuser.contextType != "doc" {
		t.Fatalf("expected context type doc, got %q", fuser.contextType)
	}
	if !slices.Equal(fuser.payloads, []string{`{"v":1}`, `{"v":2}`, `{"v":3}`}) {
		t.Fatalf("unexpected payloads: %v", fuser.payloads)
	}
	if string(resolved.Data) != `{"merged":true}` {
		t.Fatalf("unexpected payload %s", resolved.Data)
	}
}

func TestMergeStrategyFailureLeavesShareUntouched(t *testing.T) {
	fuser := &stubFuser{err: errors.New("fusion offline")}
	harness, shared := newConflictFixture(t, withFuser(fuser))

	_, err := harness.service.ResolveConflict(context.Background(), shared.ShareID, ResolveRequest{UserID: "alice", Strategy: StrategyMerge})
	requireCode(t, err, "sharing.resolve_conflict.strategy_failed")

	current, err := harness.service.GetSharedContext(context.Background(), shared.ShareID, "alice")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if current.Version != 1 || current.ConflictResolution != nil {
		t.Fatalf("expected share to be untouched, got %#v", current)
	}
}

func TestResolveConflictRejections(t *testing.T) {
	harness, shared := newConflictFixture(t)
	harness.mustAddMember(t, "ws1", "carol", RoleContributor, "alice")
	readOnly := harness.mustShare(t, "ws1", "alice", `{}`, OperationRead)
	ctx := context.Background()

	testCases := []struct {
		name     string
		shareID  string
		request  ResolveRequest
		sentinel error
	}{
		{name: "unknown strategy", shareID: shared.ShareID, request: ResolveRequest{UserID: "bob", Strategy: "coin-flip"}, sentinel: ErrUnknownStrategy},
		{name: "contributor lacks resolve", shareID: shared.ShareID, request: ResolveRequest{UserID: "carol", Strategy: StrategyLastWriteWins}, sentinel: ErrPermissionDenied},
		{name: "share without update", shareID: readOnly.ShareID, request: ResolveRequest{UserID: "alice", Strategy: StrategyLastWriteWins}, sentinel: ErrPermissionDenied},
		{name: "non-member", shareID: shared.ShareID, request: ResolveRequest{UserID: "mallory", Strategy: StrategyLastWriteWins}, sentinel: ErrNotMember},
		{name: "missing share", shareID: "missing", request: ResolveRequest{UserID: "bob", Strategy: StrategyLastWriteWins}, sentinel: ErrShareNotFound},
		{name: "missing strategy", shareID: shared.ShareID, request: ResolveRequest{UserID: "bob"}, sentinel: ErrInvalidArgument},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := harness.service.ResolveConflict(ctx, testCase.shareID, testCase.request)
			if !errors.Is(err, testCase.sentinel) {
				t.Fatalf("expected %v, got %v", testCase.sentinel, err)
			}
		})
	}
}

func TestRegisterStrategy(t *testing.T) {
	harness, shared := newConflictFixture(t)

	err := harness.service.RegisterStrategy("constant", StrategyFunc(func(context.Context, SharedContext, ResolveOptions) (json.RawMessage, error) {
		return json.RawMessage(`{"constant":true}`), nil
	}))
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if !slices.Contains(harness.service.Strategies(), "constant") {
		t.Fatalf("expected constant strategy to be listed: %v", harness.service.Strategies())
	}

	resolved, err := harness.service.ResolveConflict(context.Background(), shared.ShareID, ResolveRequest{UserID: "bob", Strategy: "constant"})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if string(resolved.Data) != `{"constant":true}` {
		t.Fatalf("unexpected payload %s", resolved.Data)
	}

	if err := harness.service.RegisterStrategy(" ", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid registration to fail, got %v", err)
	}
}

func TestVersionIncreasesByOneAcrossUpdatesAndResolutions(t *testing.T) {
	harness, shared := newConflictFixture(t)
	ctx := context.Background()
	expected := shared.Version

	for round := 0; round < 3; round++ {
		harness.mustUpdate(t, shared.ShareID, `{"round":true}`, "bob")
		expected++
		resolved, err := harness.service.ResolveConflict(ctx, shared.ShareID, ResolveRequest{UserID: "alice", Strategy: StrategyLastWriteWins})
		if err != nil {
			t.Fatalf("unexpected resolve error: %v", err)
		}
		expected++
		if resolved.Version != expected {
			t.Fatalf("expected version %d, got %d", expected, resolved.Version)
		}
	}
}

func TestJSONFuserDeepMerge(t *testing.T) {
	testCases := []struct {
		name     string
		payloads []string
		expected string
	}{
		{name: "single payload", payloads: []string{`{"a":1}`}, expected: `{"a":1}`},
		{name: "later keys win", payloads: []string{`{"a":1,"b":1}`, `{"b":2}`}, expected: `{"a":1,"b":2}`},
		{name: "nested objects merge", payloads: []string{`{"o":{"x":1}}`, `{"o":{"y":2}}`}, expected: `{"o":{"x":1,"y":2}}`},
		{name: "non-object replaces", payloads: []string{`{"a":1}`, `[1,2]`}, expected: `[1,2]`},
		{name: "large numbers survive", payloads: []string{`{"n":12345678901234567890}`}, expected: `{"n":12345678901234567890}`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			payloads := make([]json.RawMessage, 0, len(testCase.payloads))
			for _, payload := range testCase.payloads {
				payloads = append(payloads, json.RawMessage(payload))
			}
			fused, err := JSONFuser{}.FuseContext(context.Background(), "doc", payloads)
			if err != nil {
				t.Fatalf("unexpected fuse error: %v", err)
			}
			if string(fused) != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, fused)
			}
		})
	}

	if _, err := (JSONFuser{}).FuseContext(context.Background(), "doc", nil); err == nil {
		t.Fatalf("expected empty payload list to fail")
	}
	if _, err := (JSONFuser{}).FuseContext(context.Background(), "doc", []json.RawMessage{json.RawMessage(`{`)}); err == nil {
		t.Fatalf("expected malformed payload to fail")
	}
}
