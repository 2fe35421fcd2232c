package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/teamshare/internal/locks"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("entry-%03d", s.next), nil
}

type recordingArchiver struct {
	archived []Entry
	err      error
}

func (r *recordingArchiver) Archive(_ context.Context, entries []Entry) error {
	r.archived = append(r.archived, entries...)
	return r.err
}

func newTestLog(t *testing.T, maxEntries int, archiver Archiver) *Log {
	t.Helper()
	manager, err := locks.NewManager()
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}
	log, err := NewLog(Config{
		Locker:     manager.MustDomain(locks.DomainAudit),
		MaxEntries: maxEntries,
		Archiver:   archiver,
		IDProvider: &sequenceIDs{},
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected log error: %v", err)
	}
	return log
}

func entryAt(workspaceID string, action Action, seconds int64) Entry {
	return Entry{
		Action:      action,
		WorkspaceID: workspaceID,
		UserID:      "alice",
		Timestamp:   time.Unix(seconds, 0).UTC(),
	}
}

func TestAppendTruncatesToCapKeepingNewest(t *testing.T) {
	archiver := &recordingArchiver{}
	log := newTestLog(t, 3, archiver)
	ctx := context.Background()

	for _, seconds := range []int64{105, 101, 104, 102, 103} {
		if err := log.Append(ctx, entryAt("ws1", ActionContextShared, seconds)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	count, err := log.Len(ctx)
	if err != nil {
		t.Fatalf("len failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected log length 3, got %d", count)
	}

	entries, err := log.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	want := []int64{105, 104, 103}
	for index, seconds := range want {
		if entries[index].Timestamp.Unix() != seconds {
			t.Fatalf("entry %d: expected timestamp %d, got %d", index, seconds, entries[index].Timestamp.Unix())
		}
	}

	if len(archiver.archived) != 2 {
		t.Fatalf("expected 2 archived entries, got %d", len(archiver.archived))
	}
	for _, archived := range archiver.archived {
		if archived.Timestamp.Unix() > 102 {
			t.Fatalf("archived an entry newer than the retained ones: %d", archived.Timestamp.Unix())
		}
	}
}

func TestAppendCapIsGlobalAcrossWorkspaces(t *testing.T) {
	log := newTestLog(t, 2, nil)
	ctx := context.Background()

	if err := log.Append(ctx, entryAt("quiet", ActionWorkspaceCreated, 1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	for seconds := int64(10); seconds < 13; seconds++ {
		if err := log.Append(ctx, entryAt("busy", ActionContextAccessed, seconds)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	entries, err := log.Query(ctx, Filter{WorkspaceID: "quiet"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected quiet workspace history to be evicted, got %d entries", len(entries))
	}
}

func TestQueryFiltersAndPaginates(t *testing.T) {
	log := newTestLog(t, 0, nil)
	ctx := context.Background()

	for seconds := int64(1); seconds <= 5; seconds++ {
		entry := entryAt("ws1", ActionMemberAdded, seconds)
		entry.TargetUserID = "bob"
		if seconds%2 == 0 {
			entry.TargetUserID = "carol"
		}
		if err := log.Append(ctx, entry); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if err := log.Append(ctx, entryAt("ws2", ActionMemberAdded, 9)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := log.Append(ctx, entryAt("ws1", ActionContextShared, 8)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	testCases := []struct {
		name       string
		filter     Filter
		wantSecond []int64
	}{
		{name: "workspace", filter: Filter{WorkspaceID: "ws1"}, wantSecond: []int64{8, 5, 4, 3, 2, 1}},
		{name: "action", filter: Filter{WorkspaceID: "ws1", Action: ActionMemberAdded}, wantSecond: []int64{5, 4, 3, 2, 1}},
		{name: "target", filter: Filter{WorkspaceID: "ws1", TargetUserID: "carol"}, wantSecond: []int64{4, 2}},
		{name: "page", filter: Filter{WorkspaceID: "ws1", Limit: 2, Offset: 1}, wantSecond: []int64{5, 4}},
		{name: "past-end", filter: Filter{WorkspaceID: "ws1", Offset: 10}, wantSecond: []int64{}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			entries, err := log.Query(ctx, testCase.filter)
			if err != nil {
				t.Fatalf("query failed: %v", err)
			}
			if len(entries) != len(testCase.wantSecond) {
				t.Fatalf("expected %d entries, got %d", len(testCase.wantSecond), len(entries))
			}
			for index, seconds := range testCase.wantSecond {
				if entries[index].Timestamp.Unix() != seconds {
					t.Fatalf("entry %d: expected %d, got %d", index, seconds, entries[index].Timestamp.Unix())
				}
			}
		})
	}
}

func TestAppendRejectsIncompleteEntries(t *testing.T) {
	log := newTestLog(t, 0, nil)
	err := log.Append(context.Background(), Entry{Action: ActionContextShared})
	if !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestAppendSurvivesArchiveFailure(t *testing.T) {
	archiver := &recordingArchiver{err: errors.New("disk full")}
	log := newTestLog(t, 1, archiver)
	ctx := context.Background()

	for seconds := int64(1); seconds <= 2; seconds++ {
		if err := log.Append(ctx, entryAt("ws1", ActionContextUpdated, seconds)); err != nil {
			t.Fatalf("append should not fail on archive error: %v", err)
		}
	}
	if len(archiver.archived) != 1 {
		t.Fatalf("expected archive attempt with 1 entry, got %d", len(archiver.archived))
	}
}

func TestGormArchiverPersistsEvictedEntries(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:audit_archive?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ArchivedEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	archiver, err := NewGormArchiver(db, func() int64 { return 42 })
	if err != nil {
		t.Fatalf("unexpected archiver error: %v", err)
	}

	log := newTestLog(t, 1, archiver)
	ctx := context.Background()
	first := entryAt("ws1", ActionContextRevoked, 1)
	first.Details = map[string]any{"by_admin": true}
	if err := log.Append(ctx, first); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := log.Append(ctx, entryAt("ws1", ActionContextShared, 2)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	rows, err := archiver.ListArchived(ctx, "ws1", 0)
	if err != nil {
		t.Fatalf("list archived failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 archived row, got %d", len(rows))
	}
	if rows[0].Action != string(ActionContextRevoked) {
		t.Fatalf("unexpected archived action %q", rows[0].Action)
	}
	if rows[0].DetailsJSON != `{"by_admin":true}` {
		t.Fatalf("unexpected details json %s", rows[0].DetailsJSON)
	}
	if rows[0].ArchivedAtMillis != 42 {
		t.Fatalf("expected archive timestamp from clock, got %d", rows[0].ArchivedAtMillis)
	}

	if err := archiver.Archive(ctx, []Entry{{ID: rows[0].EntryID, Action: ActionContextRevoked, WorkspaceID: "ws1"}}); err != nil {
		t.Fatalf("re-archiving should be ignored, got %v", err)
	}
}
