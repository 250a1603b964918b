package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

// testSchema mirrors the tracker-owned table shapes. The core never
// creates this in production; tests stand in for the tracker's init.
const testSchema = `
CREATE TABLE issues (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL DEFAULT 'open',
    priority INTEGER,
    issue_type TEXT NOT NULL DEFAULT 'task',
    assignee TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    closed_at TEXT,
    deleted_at TEXT,
    close_reason TEXT
);
CREATE TABLE labels (
    issue_id TEXT NOT NULL,
    label TEXT NOT NULL,
    PRIMARY KEY (issue_id, label)
);
CREATE TABLE dependencies (
    issue_id TEXT NOT NULL,
    depends_on_id TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'blocks',
    created_at TEXT,
    PRIMARY KEY (issue_id, depends_on_id)
);
CREATE TABLE events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    issue_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    old_value TEXT,
    new_value TEXT,
    actor TEXT NOT NULL,
    created_at TEXT NOT NULL
);
`

func newTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "issues.db")
	db, err := Open(dbPath, time.Second)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return db, dbPath
}

func insertTestIssue(t *testing.T, db *sql.DB, id, title, status string) {
	t.Helper()
	now := FormatTime(time.Now())
	_, err := db.Exec(`
		INSERT INTO issues (id, title, status, issue_type, created_at, updated_at)
		VALUES (?, ?, ?, 'task', ?, ?)
	`, id, title, status, now, now)
	if err != nil {
		t.Fatalf("failed to insert issue %s: %v", id, err)
	}
}

func TestFormatTimeIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	ts := time.Date(2025, 3, 1, 17, 30, 0, 0, loc)
	got := FormatTime(ts)
	want := "2025-03-01T12:30:00Z"
	if got != want {
		t.Errorf("FormatTime = %q, want %q", got, want)
	}
}

func TestParseTimeRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	parsed, err := ParseTime(FormatTime(ts))
	if err != nil {
		t.Fatalf("ParseTime failed: %v", err)
	}
	if !parsed.Equal(ts) {
		t.Errorf("round trip = %v, want %v", parsed, ts)
	}
}

func TestParseTimeAcceptsSQLiteDefault(t *testing.T) {
	// CURRENT_TIMESTAMP writes this layout.
	parsed, err := ParseTime("2025-03-01 12:30:00")
	if err != nil {
		t.Fatalf("ParseTime failed: %v", err)
	}
	if parsed.Hour() != 12 || parsed.Minute() != 30 {
		t.Errorf("parsed = %v", parsed)
	}
}

func TestParseTimeRejectsGarbage(t *testing.T) {
	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("expected error for unparseable timestamp")
	}
}

func TestExists(t *testing.T) {
	_, dbPath := newTestDB(t)
	if !Exists(dbPath) {
		t.Error("Exists should be true for a created store file")
	}
	if Exists(filepath.Join(t.TempDir(), "missing.db")) {
		t.Error("Exists should be false for a missing file")
	}
}

func TestLoadProjectSkipsTombstonedAndDeleted(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	insertTestIssue(t, db, "bw-1", "Alive", "open")
	insertTestIssue(t, db, "bw-2", "Tombstoned", "tombstone")
	insertTestIssue(t, db, "bw-3", "Soft deleted", "closed")
	if _, err := db.Exec(`UPDATE issues SET deleted_at = ? WHERE id = 'bw-3'`,
		FormatTime(time.Now())); err != nil {
		t.Fatal(err)
	}

	data, err := LoadProject(ctx, db)
	if err != nil {
		t.Fatalf("LoadProject failed: %v", err)
	}
	if len(data.Issues) != 1 {
		t.Fatalf("loaded %d issues, want 1", len(data.Issues))
	}
	if _, ok := data.Issues["bw-1"]; !ok {
		t.Error("bw-1 should survive the load")
	}
}

func TestLoadProjectJoinsLabelsAndDependencies(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	insertTestIssue(t, db, "bw-1", "Dependent", "open")
	insertTestIssue(t, db, "bw-2", "Blocker", "open")
	if _, err := db.Exec(`INSERT INTO labels (issue_id, label) VALUES ('bw-1', 'urgent'), ('bw-1', 'infra')`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`
		INSERT INTO dependencies (issue_id, depends_on_id, type, created_at)
		VALUES ('bw-1', 'bw-2', 'blocks', ?)
	`, FormatTime(time.Now())); err != nil {
		t.Fatal(err)
	}

	data, err := LoadProject(ctx, db)
	if err != nil {
		t.Fatalf("LoadProject failed: %v", err)
	}

	issue := data.Issues["bw-1"]
	if issue == nil {
		t.Fatal("bw-1 missing")
	}
	if len(issue.Labels) != 2 || issue.Labels[0] != "infra" {
		t.Errorf("labels = %v, want [infra urgent]", issue.Labels)
	}

	deps := data.Dependencies["bw-1"]
	if len(deps) != 1 || deps[0].DependsOnID != "bw-2" || deps[0].Type != "blocks" {
		t.Errorf("dependencies = %+v", deps)
	}
}

func TestLoadProjectDropsDanglingDependencies(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	insertTestIssue(t, db, "bw-2", "Target", "open")
	// Edge owned by a row that is not loaded.
	if _, err := db.Exec(`
		INSERT INTO dependencies (issue_id, depends_on_id, type) VALUES ('bw-gone', 'bw-2', 'blocks')
	`); err != nil {
		t.Fatal(err)
	}

	data, err := LoadProject(ctx, db)
	if err != nil {
		t.Fatalf("LoadProject failed: %v", err)
	}
	if len(data.Dependencies) != 0 {
		t.Errorf("dangling dependency survived: %+v", data.Dependencies)
	}
}

func TestLoadProjectParsesOptionalFields(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	now := FormatTime(time.Now())
	if _, err := db.Exec(`
		INSERT INTO issues (id, title, description, status, priority, issue_type,
			assignee, created_at, updated_at, closed_at, close_reason)
		VALUES ('bw-1', 'Done thing', 'details', 'closed', 1, 'bug', 'alice', ?, ?, ?, 'fixed')
	`, now, now, now); err != nil {
		t.Fatal(err)
	}

	data, err := LoadProject(ctx, db)
	if err != nil {
		t.Fatalf("LoadProject failed: %v", err)
	}
	issue := data.Issues["bw-1"]
	if issue.Priority == nil || *issue.Priority != 1 {
		t.Errorf("priority = %v, want 1", issue.Priority)
	}
	if issue.Assignee != "alice" || issue.CloseReason != "fixed" {
		t.Errorf("assignee/close_reason = %q/%q", issue.Assignee, issue.CloseReason)
	}
	if issue.ClosedAt == nil {
		t.Error("closed_at should be set")
	}
}
