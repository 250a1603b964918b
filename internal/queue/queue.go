// Package queue buffers per-project mutations behind a trailing-edge
// debounce window until the flush coordinator drains them.
package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus/beadwork/internal/debug"
)

const (
	signalBuffer = 128
	eventBuffer  = 256
)

// projectState holds one project's pending mutations and debounce
// bookkeeping, guarded by its own lock so projects never block each
// other.
type projectState struct {
	mu           sync.Mutex
	pending      []*Item
	history      []*Item // completed items, oldest first, capped
	deadLetter   []*Item // retry-exhausted failures, oldest first, capped
	lastModified time.Time
	timer        *time.Timer
	seq          uint64 // invalidates stale timer fires
	processing   bool
}

// Queue is the write-behind mutation buffer. Create one per process
// and share it between the cache and the flush coordinator.
type Queue struct {
	mu       sync.Mutex
	projects map[string]*projectState

	debounce     time.Duration
	historyLimit int

	signals chan string // debounce completions, consumed by the coordinator
	events  chan Event  // notification stream, best-effort
	dropped atomic.Int64
}

// New creates a queue with the given debounce window and history cap.
func New(debounce time.Duration, historyLimit int) *Queue {
	return &Queue{
		projects:     make(map[string]*projectState),
		debounce:     debounce,
		historyLimit: historyLimit,
		signals:      make(chan string, signalBuffer),
		events:       make(chan Event, eventBuffer),
	}
}

// Signals delivers project paths whose debounce window has elapsed.
// The flush coordinator is the only intended consumer.
func (q *Queue) Signals() <-chan string {
	return q.signals
}

// Events delivers tagged notifications for the hosting application.
// Sends are non-blocking; a slow consumer loses events rather than
// stalling mutations.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// DroppedEvents returns how many notifications were discarded because
// the events channel was full.
func (q *Queue) DroppedEvents() int64 {
	return q.dropped.Load()
}

func (q *Queue) project(path string) *projectState {
	q.mu.Lock()
	defer q.mu.Unlock()
	ps, ok := q.projects[path]
	if !ok {
		ps = &projectState{}
		q.projects[path] = ps
	}
	return ps
}

func (q *Queue) emit(ev Event) {
	select {
	case q.events <- ev:
	default:
		q.dropped.Add(1)
	}
}

// Enqueue appends a pending item and (re)arms the project's debounce
// timer unless a flush is already in progress for it.
func (q *Queue) Enqueue(item *Item) {
	item.Status = StatusPending
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	ps := q.project(item.ProjectPath)
	ps.mu.Lock()
	ps.pending = append(ps.pending, item)
	ps.lastModified = time.Now()
	if !ps.processing {
		q.armTimerLocked(ps, item.ProjectPath)
	}
	ps.mu.Unlock()

	debug.Logf("queue: enqueued %s %s for %s", item.Op, item.IssueID, item.ProjectPath)
	q.emit(Event{Kind: EventItemEnqueued, ProjectPath: item.ProjectPath, Item: item})
}

// armTimerLocked restarts the debounce countdown. Caller holds ps.mu.
// Each restart bumps the sequence number so a stale timer that fires
// concurrently with its own cancellation is a no-op.
func (q *Queue) armTimerLocked(ps *projectState, projectPath string) {
	if ps.timer != nil {
		ps.timer.Stop()
	}
	ps.seq++
	seq := ps.seq

	ps.timer = time.AfterFunc(q.debounce, func() {
		ps.mu.Lock()
		if ps.seq != seq {
			ps.mu.Unlock()
			return
		}
		ps.timer = nil
		ps.mu.Unlock()

		debug.Logf("queue: debounce elapsed for %s", projectPath)
		q.signals <- projectPath
		q.emit(Event{Kind: EventDebounceCompleted, ProjectPath: projectPath})
	})
}

func (q *Queue) cancelTimerLocked(ps *projectState) {
	ps.seq++
	if ps.timer != nil {
		ps.timer.Stop()
		ps.timer = nil
	}
}

// TakePending atomically detaches the project's pending list and
// leaves a fresh one in its place. Items enqueued after this call
// land in the new list and are never lost to the in-flight flush.
func (q *Queue) TakePending(projectPath string) []*Item {
	ps := q.project(projectPath)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	items := ps.pending
	ps.pending = nil
	return items
}

// Requeue puts items back at the head of the pending list, ahead of
// anything enqueued since, preserving the original apply order. Used
// by the retry path for items whose attempts are not yet exhausted.
func (q *Queue) Requeue(projectPath string, items []*Item) {
	if len(items) == 0 {
		return
	}
	for _, item := range items {
		item.Status = StatusPending
	}
	ps := q.project(projectPath)
	ps.mu.Lock()
	ps.pending = append(append([]*Item(nil), items...), ps.pending...)
	ps.lastModified = time.Now()
	ps.mu.Unlock()
}

// GetPending returns a copy of the project's pending items in enqueue
// order.
func (q *Queue) GetPending(projectPath string) []*Item {
	ps := q.project(projectPath)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]*Item(nil), ps.pending...)
}

// PendingCount returns the number of buffered mutations for a project.
func (q *Queue) PendingCount(projectPath string) int {
	ps := q.project(projectPath)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}

// LastModified returns when the project's queue last changed.
func (q *Queue) LastModified(projectPath string) time.Time {
	ps := q.project(projectPath)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.lastModified
}

// IsDebouncing reports whether a debounce countdown is in flight.
func (q *Queue) IsDebouncing(projectPath string) bool {
	ps := q.project(projectPath)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.timer != nil
}

// IsProcessing reports whether a flush cycle is running for the
// project.
func (q *Queue) IsProcessing(projectPath string) bool {
	ps := q.project(projectPath)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.processing
}

// MarkProcessing claims the project for a flush cycle. It cancels any
// armed timer and suppresses new ones until MarkProcessingComplete.
// Returns false if another flush already holds the project.
func (q *Queue) MarkProcessing(projectPath string) bool {
	ps := q.project(projectPath)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.processing {
		return false
	}
	ps.processing = true
	q.cancelTimerLocked(ps)
	return true
}

// MarkProcessingComplete releases the project after a flush cycle and
// emits ProcessingCompleted. If mutations arrived during the flush
// (or were requeued for retry), the debounce timer is re-armed so
// they get their own cycle.
func (q *Queue) MarkProcessingComplete(projectPath string, success bool) {
	ps := q.project(projectPath)
	ps.mu.Lock()
	ps.processing = false
	if len(ps.pending) > 0 {
		q.armTimerLocked(ps, projectPath)
	}
	ps.mu.Unlock()

	q.emit(Event{Kind: EventProcessingCompleted, ProjectPath: projectPath, Success: success})
}

// AddToHistory retires an item to the project's completed history,
// evicting the oldest entry beyond the cap.
func (q *Queue) AddToHistory(item *Item) {
	ps := q.project(item.ProjectPath)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.history = appendCapped(ps.history, item, q.historyLimit)
}

// AddToDeadLetter retires a retry-exhausted item to the project's
// dead-letter list for inspection or manual retry.
func (q *Queue) AddToDeadLetter(item *Item) {
	ps := q.project(item.ProjectPath)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.deadLetter = appendCapped(ps.deadLetter, item, q.historyLimit)
}

func appendCapped(list []*Item, item *Item, limit int) []*Item {
	list = append(list, item)
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

// GetHistory returns up to limit history entries, newest first.
// limit <= 0 returns everything.
func (q *Queue) GetHistory(projectPath string, limit int) []*Item {
	ps := q.project(projectPath)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return newestFirst(ps.history, limit)
}

// GetDeadLetter returns up to limit dead-letter entries, newest first.
func (q *Queue) GetDeadLetter(projectPath string, limit int) []*Item {
	ps := q.project(projectPath)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return newestFirst(ps.deadLetter, limit)
}

func newestFirst(list []*Item, limit int) []*Item {
	n := len(list)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Item, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, list[i])
	}
	return out
}

// ClearPending discards the project's buffered mutations and cancels
// any armed timer. Host-facing; the flush path uses TakePending.
func (q *Queue) ClearPending(projectPath string) {
	ps := q.project(projectPath)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pending = nil
	q.cancelTimerLocked(ps)
}

// Projects returns the paths with any queue state, for status output.
func (q *Queue) Projects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	paths := make([]string, 0, len(q.projects))
	for path := range q.projects {
		paths = append(paths, path)
	}
	return paths
}

// Shutdown cancels every armed timer. In-flight flush cycles are not
// interrupted.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ps := range q.projects {
		ps.mu.Lock()
		q.cancelTimerLocked(ps)
		ps.mu.Unlock()
	}
}
