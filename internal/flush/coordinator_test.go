package flush

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marcus/beadwork/internal/applier"
	"github.com/marcus/beadwork/internal/cache"
	"github.com/marcus/beadwork/internal/config"
	"github.com/marcus/beadwork/internal/queue"
	"github.com/marcus/beadwork/internal/store"
	"github.com/marcus/beadwork/internal/types"
)

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

// fakeRunner stands in for the external tracker binary.
type fakeRunner struct {
	mu    sync.Mutex
	calls int
	errs  []error // consumed per call, nil once exhausted
}

func (f *fakeRunner) Sync(ctx context.Context, projectDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testOptions() config.Options {
	return config.Options{
		DebounceInterval: time.Hour,
		BusyTimeout:      time.Second,
		MaxRetryAttempts: 2,
		HistoryLimit:     10,
		SyncBeforeFlush:  true,
		SyncAfterFlush:   true,
		StorePath:        filepath.Join(".beads", "issues.db"),
		Workers:          1,
	}
}

// newFixture builds a wired coordinator over a real store file.
func newFixture(t *testing.T, opts config.Options, runner *fakeRunner) (*Coordinator, *queue.Queue, *cache.Cache, string) {
	t.Helper()
	project := t.TempDir()
	if err := os.MkdirAll(filepath.Join(project, ".beads"), 0o755); err != nil {
		t.Fatal(err)
	}
	db, err := store.Open(filepath.Join(project, ".beads", "issues.db"), time.Second)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	q := queue.New(opts.DebounceInterval, opts.HistoryLimit)
	t.Cleanup(q.Shutdown)
	c := cache.New(q, "bw", opts.StorePath, opts.BusyTimeout)
	co := New(q, c, applier.New("tester"), runner, opts, t.Logf)
	return co, q, c, project
}

func openStore(t *testing.T, project string) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(project, ".beads", "issues.db"), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB, query string, args ...interface{}) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	return n
}

func TestFlushWritesPendingMutations(t *testing.T) {
	runner := &fakeRunner{}
	co, q, c, project := newFixture(t, testOptions(), runner)

	id, ok := c.Create(project, &types.Issue{Title: "Persist me"})
	if !ok {
		t.Fatal("create failed")
	}
	if !c.AddLabel(project, id, "urgent") {
		t.Fatal("addLabel failed")
	}

	co.FlushProject(context.Background(), project)

	db := openStore(t, project)
	if n := countRows(t, db, `SELECT COUNT(*) FROM issues WHERE id = ?`, id); n != 1 {
		t.Errorf("issue rows = %d, want 1", n)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM labels WHERE issue_id = ? AND label = 'urgent'`, id); n != 1 {
		t.Errorf("label rows = %d, want 1", n)
	}

	if got := q.PendingCount(project); got != 0 {
		t.Errorf("pending after flush = %d, want 0", got)
	}
	history := q.GetHistory(project, 0)
	if len(history) != 2 {
		t.Fatalf("history = %d items, want 2", len(history))
	}
	for _, item := range history {
		if item.Status != queue.StatusCompleted || item.ProcessedAt == nil {
			t.Errorf("history item %s not completed: %+v", item.Op, item)
		}
	}

	// Sync ran on both sides of the apply.
	if runner.callCount() != 2 {
		t.Errorf("sync calls = %d, want 2", runner.callCount())
	}

	// Refresh pulled the flushed issue back from ground truth.
	if !c.IsLoaded(project) {
		t.Error("cache should be loaded after the flush refresh")
	}
	if got := c.Get(project, id); got == nil || !got.HasLabel("urgent") {
		t.Errorf("refreshed issue = %+v", got)
	}
}

func TestFlushNoOpWithoutPendingItems(t *testing.T) {
	runner := &fakeRunner{}
	co, q, _, project := newFixture(t, testOptions(), runner)

	co.FlushProject(context.Background(), project)

	if runner.callCount() != 0 {
		t.Error("empty flush should not invoke sync")
	}
	if q.IsProcessing(project) {
		t.Error("project left claimed")
	}
}

func TestFlushMissingStoreRetiresItems(t *testing.T) {
	runner := &fakeRunner{}
	opts := testOptions()
	q := queue.New(opts.DebounceInterval, opts.HistoryLimit)
	t.Cleanup(q.Shutdown)
	c := cache.New(q, "bw", opts.StorePath, opts.BusyTimeout)
	co := New(q, c, applier.New("tester"), runner, opts, t.Logf)

	project := t.TempDir() // no .beads directory
	if _, ok := c.Create(project, &types.Issue{Title: "Ephemeral"}); !ok {
		t.Fatal("create failed")
	}

	co.FlushProject(context.Background(), project)

	if got := q.PendingCount(project); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	history := q.GetHistory(project, 0)
	if len(history) != 1 || history[0].Status != queue.StatusCompleted || history[0].Error != "" {
		t.Errorf("history = %+v", history)
	}
	if len(q.GetDeadLetter(project, 0)) != 0 {
		t.Error("missing store must not dead-letter items")
	}
}

func TestFlushRetriesThenDeadLetters(t *testing.T) {
	runner := &fakeRunner{}
	opts := testOptions()
	co, q, _, project := newFixture(t, opts, runner)

	// Occupy the id so the queued create hits the primary key.
	db := openStore(t, project)
	now := store.FormatTime(time.Now())
	if _, err := db.Exec(`
		INSERT INTO issues (id, title, status, issue_type, created_at, updated_at)
		VALUES ('bw-dup', 'Already there', 'open', 'task', ?, ?)
	`, now, now); err != nil {
		t.Fatal(err)
	}

	q.Enqueue(&queue.Item{
		Op:          queue.OpCreate,
		ProjectPath: project,
		IssueID:     "bw-dup",
		Issue: &types.Issue{
			ID: "bw-dup", Title: "Duplicate", Status: types.StatusOpen,
			IssueType: types.TypeTask, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		},
	})

	ctx := context.Background()

	// First cycle: attempt 1 of 2, requeued.
	co.FlushProject(ctx, project)
	pending := q.GetPending(project)
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("after first cycle: %+v", pending)
	}
	if len(q.GetDeadLetter(project, 0)) != 0 {
		t.Fatal("dead-lettered before retries were exhausted")
	}

	// Second cycle: attempts exhausted, dead-lettered.
	co.FlushProject(ctx, project)
	if got := q.PendingCount(project); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	dl := q.GetDeadLetter(project, 0)
	if len(dl) != 1 {
		t.Fatalf("dead letter = %d items, want 1", len(dl))
	}
	if dl[0].Status != queue.StatusFailed || dl[0].Attempts != 2 || dl[0].Error == "" {
		t.Errorf("dead-letter item = %+v", dl[0])
	}
	if len(q.GetHistory(project, 0)) != 0 {
		t.Error("failed item leaked into completed history")
	}
}

func TestFlushFailureDoesNotBlockLaterItems(t *testing.T) {
	runner := &fakeRunner{}
	opts := testOptions()
	opts.MaxRetryAttempts = 1 // fail straight to the dead letter
	co, q, c, project := newFixture(t, opts, runner)

	db := openStore(t, project)
	now := store.FormatTime(time.Now())
	if _, err := db.Exec(`
		INSERT INTO issues (id, title, status, issue_type, created_at, updated_at)
		VALUES ('bw-dup', 'Already there', 'open', 'task', ?, ?)
	`, now, now); err != nil {
		t.Fatal(err)
	}

	q.Enqueue(&queue.Item{
		Op:          queue.OpCreate,
		ProjectPath: project,
		IssueID:     "bw-dup",
		Issue: &types.Issue{
			ID: "bw-dup", Title: "Duplicate", Status: types.StatusOpen,
			IssueType: types.TypeTask, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		},
	})
	id, _ := c.Create(project, &types.Issue{Title: "Healthy"})

	co.FlushProject(context.Background(), project)

	if n := countRows(t, db, `SELECT COUNT(*) FROM issues WHERE id = ?`, id); n != 1 {
		t.Error("item after the failure should still be applied")
	}
	if len(q.GetDeadLetter(project, 0)) != 1 {
		t.Error("failed item should be dead-lettered")
	}
	if len(q.GetHistory(project, 0)) != 1 {
		t.Error("healthy item should be retired to history")
	}
}

func TestPreSyncFailureStillApplies(t *testing.T) {
	runner := &fakeRunner{errs: []error{errors.New("network down")}}
	co, q, c, project := newFixture(t, testOptions(), runner)

	id, _ := c.Create(project, &types.Issue{Title: "Survives sync outage"})
	co.FlushProject(context.Background(), project)

	db := openStore(t, project)
	if n := countRows(t, db, `SELECT COUNT(*) FROM issues WHERE id = ?`, id); n != 1 {
		t.Error("pre-flush sync failure must not prevent the apply")
	}
	if len(q.GetHistory(project, 0)) != 1 {
		t.Error("item should be retired despite pre-sync failure")
	}
}

func TestPostSyncFailureReportsUnsuccessfulCycle(t *testing.T) {
	// Pre-sync ok, post-sync fails.
	runner := &fakeRunner{errs: []error{nil, errors.New("push rejected")}}
	co, q, c, project := newFixture(t, testOptions(), runner)

	c.Create(project, &types.Issue{Title: "Applied but unsynced"})
	co.FlushProject(context.Background(), project)

	var completed *queue.Event
	for done := false; !done; {
		select {
		case ev := <-q.Events():
			if ev.Kind == queue.EventProcessingCompleted {
				completed = &ev
				done = true
			}
		default:
			done = true
		}
	}
	if completed == nil {
		t.Fatal("no processing_completed event emitted")
	}
	if completed.Success {
		t.Error("post-sync failure should mark the cycle unsuccessful")
	}
}

func TestRunFlushesOnDebounceSignal(t *testing.T) {
	runner := &fakeRunner{}
	opts := testOptions()
	opts.DebounceInterval = 30 * time.Millisecond
	co, q, c, project := newFixture(t, opts, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go co.Run(ctx)

	id, _ := c.Create(project, &types.Issue{Title: "Via the event loop"})

	deadline := time.After(2 * time.Second)
	for q.PendingCount(project) > 0 {
		select {
		case <-deadline:
			t.Fatal("coordinator never drained the queue")
		case <-time.After(10 * time.Millisecond):
		}
	}

	db := openStore(t, project)
	if n := countRows(t, db, `SELECT COUNT(*) FROM issues WHERE id = ?`, id); n != 1 {
		t.Error("issue not flushed by the event loop")
	}
}
