// Package flush drains the write queue: it waits for debounce
// signals, applies pending mutations to the on-disk store, runs the
// external sync command around the writes, and refreshes the cache
// from ground truth.
package flush

import (
	"context"
	"sync"
	"time"

	"github.com/marcus/beadwork/internal/applier"
	"github.com/marcus/beadwork/internal/cache"
	"github.com/marcus/beadwork/internal/config"
	"github.com/marcus/beadwork/internal/debug"
	"github.com/marcus/beadwork/internal/queue"
	"github.com/marcus/beadwork/internal/store"
	"github.com/marcus/beadwork/internal/syncer"
)

// Logger receives the coordinator's operational log lines.
type Logger func(format string, args ...interface{})

func discardLogger(string, ...interface{}) {}

// Coordinator runs a bounded worker pool over the queue's debounce
// signals. Work for different projects proceeds in parallel up to the
// pool size; within a project, the queue's processing flag serializes
// cycles.
type Coordinator struct {
	queue   *queue.Queue
	cache   *cache.Cache
	applier *applier.Applier
	syncer  syncer.Runner
	opts    config.Options
	log     Logger
}

// New wires a coordinator. A nil logger discards output.
func New(q *queue.Queue, c *cache.Cache, a *applier.Applier, s syncer.Runner, opts config.Options, log Logger) *Coordinator {
	if log == nil {
		log = discardLogger
	}
	return &Coordinator{
		queue:   q,
		cache:   c,
		applier: a,
		syncer:  s,
		opts:    opts,
		log:     log,
	}
}

// Run blocks until ctx is canceled, dispatching debounce signals to
// the worker pool.
func (co *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < co.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case projectPath := <-co.queue.Signals():
					co.FlushProject(ctx, projectPath)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
}

// FlushProject executes one flush cycle for the project. Safe to call
// directly for a forced flush; it no-ops when nothing is pending or
// when another cycle already holds the project.
func (co *Coordinator) FlushProject(ctx context.Context, projectPath string) {
	if co.queue.PendingCount(projectPath) == 0 {
		return
	}
	if !co.queue.MarkProcessing(projectPath) {
		// Another worker holds the project; completion re-arms the
		// debounce timer if items remain.
		return
	}

	items := co.queue.TakePending(projectPath)
	if len(items) == 0 {
		co.queue.MarkProcessingComplete(projectPath, true)
		return
	}
	debug.Logf("flush: %s has %d pending items", projectPath, len(items))

	success := true
	var retry []*queue.Item

	if co.opts.SyncBeforeFlush {
		if err := co.syncer.Sync(ctx, projectPath); err != nil {
			// Local changes still get applied; the store just lags
			// the remote until the next successful sync.
			co.log("pre-flush sync failed for %s: %v", projectPath, err)
		}
	}

	dbPath := store.PathFor(projectPath, co.opts.StorePath)
	if !store.Exists(dbPath) {
		// Uninitialized project: nothing durable to do, retire the
		// items with no recorded error.
		co.retireAll(items, queue.StatusCompleted, "")
		co.queue.MarkProcessingComplete(projectPath, true)
		return
	}

	db, err := store.Open(dbPath, co.opts.BusyTimeout)
	if err != nil {
		co.log("flush failed to open store for %s: %v", projectPath, err)
		retry = co.failItems(items, err.Error())
		co.finish(ctx, projectPath, retry, false, false)
		return
	}

	for _, item := range items {
		item.Attempts++
		if err := co.applier.Apply(ctx, db, item); err != nil {
			co.log("apply %s %s failed (attempt %d): %v", item.Op, item.IssueID, item.Attempts, err)
			success = false
			retry = append(retry, co.failItem(item, err.Error())...)
			continue
		}
		co.retire(item, queue.StatusCompleted, "")
	}
	_ = db.Close()

	if co.opts.SyncAfterFlush {
		if err := co.syncer.Sync(ctx, projectPath); err != nil {
			co.log("post-flush sync failed for %s: %v", projectPath, err)
			success = false
		}
	}

	co.finish(ctx, projectPath, retry, success, true)
}

// finish refreshes the cache, requeues retryable failures, and
// releases the project.
func (co *Coordinator) finish(ctx context.Context, projectPath string, retry []*queue.Item, success, refresh bool) {
	if refresh {
		if err := co.cache.Refresh(ctx, projectPath); err != nil {
			co.log("cache refresh failed for %s: %v", projectPath, err)
			success = false
		}
	}
	if len(retry) > 0 {
		co.queue.Requeue(projectPath, retry)
	}
	co.queue.MarkProcessingComplete(projectPath, success)
}

// failItem marks the item failed and decides its fate: requeue while
// attempts remain, dead-letter once exhausted. Returns the item if it
// should be requeued.
func (co *Coordinator) failItem(item *queue.Item, errText string) []*queue.Item {
	item.Status = queue.StatusFailed
	item.Error = errText
	if item.Attempts < co.opts.MaxRetryAttempts {
		return []*queue.Item{item}
	}
	now := time.Now()
	item.ProcessedAt = &now
	co.queue.AddToDeadLetter(item)
	return nil
}

// failItems applies the whole-flush failure policy: every item shares
// the error and the same bounded-retry fate.
func (co *Coordinator) failItems(items []*queue.Item, errText string) []*queue.Item {
	var retry []*queue.Item
	for _, item := range items {
		item.Attempts++
		retry = append(retry, co.failItem(item, errText)...)
	}
	return retry
}

func (co *Coordinator) retire(item *queue.Item, status queue.ItemStatus, errText string) {
	now := time.Now()
	item.Status = status
	item.Error = errText
	item.ProcessedAt = &now
	co.queue.AddToHistory(item)
}

func (co *Coordinator) retireAll(items []*queue.Item, status queue.ItemStatus, errText string) {
	for _, item := range items {
		co.retire(item, status, errText)
	}
}
