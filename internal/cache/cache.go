// Package cache holds the optimistic per-project in-memory view of
// issues and dependencies. Reads never touch the store; mutations
// apply immediately and enqueue a write-behind item for the flush
// coordinator.
package cache

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/beadwork/internal/debug"
	"github.com/marcus/beadwork/internal/queue"
	"github.com/marcus/beadwork/internal/store"
	"github.com/marcus/beadwork/internal/types"
)

// groupLabelRe matches namespaced group labels like "bw:group/infra"
// and captures the group name.
var groupLabelRe = regexp.MustCompile(`^[a-z0-9]+:group/(.+)$`)

// projectCache is one project's in-memory state, guarded by its own
// lock. Created lazily on first access, never evicted.
type projectCache struct {
	mu           sync.Mutex
	loaded       bool
	issues       map[string]*types.Issue
	dependencies map[string][]*types.Dependency
}

func newProjectCache() *projectCache {
	return &projectCache{
		issues:       make(map[string]*types.Issue),
		dependencies: make(map[string][]*types.Dependency),
	}
}

// Cache is the issue cache registry. The host creates one and shares
// it with the flush coordinator; the queue reference is how mutations
// become durable.
type Cache struct {
	mu       sync.Mutex
	projects map[string]*projectCache

	queue       *queue.Queue
	idPrefix    string
	storePath   string
	busyTimeout time.Duration
}

// New creates a cache that enqueues mutations on q. storePath and
// busyTimeout configure Refresh; idPrefix prefixes synthesized ids.
func New(q *queue.Queue, idPrefix, storePath string, busyTimeout time.Duration) *Cache {
	if idPrefix == "" {
		idPrefix = "bw"
	}
	return &Cache{
		projects:    make(map[string]*projectCache),
		queue:       q,
		idPrefix:    idPrefix,
		storePath:   storePath,
		busyTimeout: busyTimeout,
	}
}

func (c *Cache) project(path string) *projectCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.projects[path]
	if !ok {
		pc = newProjectCache()
		c.projects[path] = pc
	}
	return pc
}

// IsLoaded reports whether the project has been refreshed from the
// store at least once.
func (c *Cache) IsLoaded(projectPath string) bool {
	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.loaded
}

// Get returns a copy of the issue, or nil if unknown or tombstoned.
func (c *Cache) Get(projectPath, issueID string) *types.Issue {
	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	issue := pc.liveIssue(issueID)
	if issue == nil {
		return nil
	}
	return issue.Clone()
}

// liveIssue returns the in-map issue if present and not tombstoned.
// Caller holds pc.mu.
func (pc *projectCache) liveIssue(issueID string) *types.Issue {
	issue, ok := pc.issues[issueID]
	if !ok || issue.Status == types.StatusTombstone {
		return nil
	}
	return issue
}

// List returns copies of the issues matching the filter, sorted by id.
func (c *Cache) List(projectPath string, filter types.IssueFilter) []*types.Issue {
	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	var out []*types.Issue
	for _, issue := range pc.issues {
		if issue.Status == types.StatusTombstone {
			continue
		}
		if matchesFilter(issue, filter) {
			out = append(out, issue.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func matchesFilter(issue *types.Issue, f types.IssueFilter) bool {
	if f.Status != nil && issue.Status != *f.Status {
		return false
	}
	if f.IssueType != nil && issue.IssueType != *f.IssueType {
		return false
	}
	if f.Priority != nil {
		if issue.Priority == nil || *issue.Priority != *f.Priority {
			return false
		}
	}
	if f.Assignee != nil && issue.Assignee != *f.Assignee {
		return false
	}
	for _, label := range f.Labels {
		if !issue.HasLabel(label) {
			return false
		}
	}
	if len(f.AnyLabels) > 0 {
		any := false
		for _, label := range f.AnyLabels {
			if issue.HasLabel(label) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	if f.TitleContains != "" &&
		!strings.Contains(strings.ToLower(issue.Title), strings.ToLower(f.TitleContains)) {
		return false
	}
	return true
}

// GetReady returns open issues with no open blocker: every outgoing
// blocks-typed dependency must target a closed issue.
func (c *Cache) GetReady(projectPath string) []*types.Issue {
	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	var out []*types.Issue
	for _, issue := range pc.issues {
		if issue.Status != types.StatusOpen {
			continue
		}
		if pc.isBlocked(issue.ID) {
			continue
		}
		out = append(out, issue.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// isBlocked reports whether any blocks dependency targets a non-closed
// issue. Unknown targets do not block. Caller holds pc.mu.
func (pc *projectCache) isBlocked(issueID string) bool {
	for _, dep := range pc.dependencies[issueID] {
		if dep.Type != types.DepBlocks {
			continue
		}
		blocker, ok := pc.issues[dep.DependsOnID]
		if ok && blocker.Status != types.StatusClosed {
			return true
		}
	}
	return false
}

// GetDependencies returns copies of the issue's outgoing dependencies.
func (c *Cache) GetDependencies(projectPath, issueID string) []*types.Dependency {
	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	deps := pc.dependencies[issueID]
	out := make([]*types.Dependency, 0, len(deps))
	for _, dep := range deps {
		d := *dep
		out = append(out, &d)
	}
	return out
}

// Groups extracts the deduplicated, sorted group names contributed by
// namespaced group labels ("<ns>:group/<name>") across the project.
func (c *Cache) Groups(projectPath string) []string {
	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	seen := make(map[string]bool)
	for _, issue := range pc.issues {
		if issue.Status == types.StatusTombstone {
			continue
		}
		for _, label := range issue.Labels {
			if m := groupLabelRe.FindStringSubmatch(label); m != nil {
				seen[m[1]] = true
			}
		}
	}
	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// Create synthesizes an id, inserts the issue into the cache, and
// enqueues a create item. Returns the new id and whether the issue
// was accepted.
func (c *Cache) Create(projectPath string, issue *types.Issue) (string, bool) {
	if issue == nil {
		return "", false
	}
	stored := issue.Clone()
	if stored.ID == "" {
		stored.ID = fmt.Sprintf("%s-%s", c.idPrefix, uuid.NewString()[:8])
	}
	if stored.Status == "" {
		stored.Status = types.StatusOpen
	}
	if stored.IssueType == "" {
		stored.IssueType = types.TypeTask
	}
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if err := stored.Validate(); err != nil {
		debug.Logf("cache: rejecting create: %v", err)
		return "", false
	}

	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if _, exists := pc.issues[stored.ID]; exists {
		return "", false
	}
	pc.issues[stored.ID] = stored

	c.queue.Enqueue(&queue.Item{
		Op:          queue.OpCreate,
		ProjectPath: projectPath,
		IssueID:     stored.ID,
		Issue:       stored.Clone(),
	})
	return stored.ID, true
}

// Update applies a partial update in place and enqueues it.
func (c *Cache) Update(projectPath, issueID string, update *types.IssueUpdate) bool {
	if update == nil || update.IsEmpty() {
		return false
	}
	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	issue := pc.liveIssue(issueID)
	if issue == nil {
		return false
	}
	snapshot := issue.Clone()

	if update.Title != nil {
		issue.Title = *update.Title
	}
	if update.Description != nil {
		issue.Description = *update.Description
	}
	if update.Status != nil {
		issue.Status = *update.Status
	}
	if update.IssueType != nil {
		issue.IssueType = *update.IssueType
	}
	if update.Priority != nil {
		p := *update.Priority
		issue.Priority = &p
	}
	if update.Assignee != nil {
		issue.Assignee = *update.Assignee
	}
	if update.ParentID != nil {
		issue.ParentID = *update.ParentID
	}
	for _, label := range update.AddLabels {
		if !issue.HasLabel(label) {
			issue.Labels = append(issue.Labels, label)
		}
	}
	if len(update.RemoveLabels) > 0 {
		kept := issue.Labels[:0]
		for _, l := range issue.Labels {
			remove := false
			for _, r := range update.RemoveLabels {
				if l == r {
					remove = true
					break
				}
			}
			if !remove {
				kept = append(kept, l)
			}
		}
		issue.Labels = kept
	}
	sort.Strings(issue.Labels)
	issue.UpdatedAt = time.Now()

	c.queue.Enqueue(&queue.Item{
		Op:          queue.OpUpdate,
		ProjectPath: projectPath,
		IssueID:     issueID,
		Update:      update,
		Snapshot:    snapshot,
	})
	return true
}

// Close marks the issue closed with a reason and enqueues the change.
func (c *Cache) Close(projectPath, issueID, reason string) bool {
	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	issue := pc.liveIssue(issueID)
	if issue == nil {
		return false
	}
	snapshot := issue.Clone()

	now := time.Now()
	issue.Status = types.StatusClosed
	issue.CloseReason = reason
	issue.ClosedAt = &now
	issue.UpdatedAt = now

	c.queue.Enqueue(&queue.Item{
		Op:          queue.OpClose,
		ProjectPath: projectPath,
		IssueID:     issueID,
		Reason:      reason,
		Snapshot:    snapshot,
	})
	return true
}

// Reopen restores a closed issue to open and enqueues the change.
func (c *Cache) Reopen(projectPath, issueID string) bool {
	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	issue := pc.liveIssue(issueID)
	if issue == nil {
		return false
	}
	snapshot := issue.Clone()

	issue.Status = types.StatusOpen
	issue.CloseReason = ""
	issue.ClosedAt = nil
	issue.UpdatedAt = time.Now()

	c.queue.Enqueue(&queue.Item{
		Op:          queue.OpReopen,
		ProjectPath: projectPath,
		IssueID:     issueID,
		Snapshot:    snapshot,
	})
	return true
}

// Delete tombstones the issue. The map entry survives so a stale id
// stays resolvable until the next refresh; reads skip it.
func (c *Cache) Delete(projectPath, issueID string) bool {
	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	issue := pc.liveIssue(issueID)
	if issue == nil {
		return false
	}
	snapshot := issue.Clone()

	issue.Status = types.StatusTombstone
	issue.UpdatedAt = time.Now()

	c.queue.Enqueue(&queue.Item{
		Op:          queue.OpDelete,
		ProjectPath: projectPath,
		IssueID:     issueID,
		Snapshot:    snapshot,
	})
	return true
}

// AddLabel attaches a label (idempotent) and enqueues the change.
func (c *Cache) AddLabel(projectPath, issueID, label string) bool {
	if label == "" {
		return false
	}
	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	issue := pc.liveIssue(issueID)
	if issue == nil {
		return false
	}
	snapshot := issue.Clone()

	if !issue.HasLabel(label) {
		issue.Labels = append(issue.Labels, label)
		sort.Strings(issue.Labels)
	}
	issue.UpdatedAt = time.Now()

	c.queue.Enqueue(&queue.Item{
		Op:          queue.OpAddLabel,
		ProjectPath: projectPath,
		IssueID:     issueID,
		Label:       label,
		Snapshot:    snapshot,
	})
	return true
}

// RemoveLabel detaches a label and enqueues the change.
func (c *Cache) RemoveLabel(projectPath, issueID, label string) bool {
	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	issue := pc.liveIssue(issueID)
	if issue == nil {
		return false
	}
	snapshot := issue.Clone()

	labels := issue.Labels[:0]
	for _, l := range issue.Labels {
		if l != label {
			labels = append(labels, l)
		}
	}
	issue.Labels = labels
	issue.UpdatedAt = time.Now()

	c.queue.Enqueue(&queue.Item{
		Op:          queue.OpRemoveLabel,
		ProjectPath: projectPath,
		IssueID:     issueID,
		Label:       label,
		Snapshot:    snapshot,
	})
	return true
}

// AddDependency records an outgoing edge on the owning issue.
// Uniqueness on (issue, depends-on) is enforced by linear scan.
func (c *Cache) AddDependency(projectPath string, dep *types.Dependency) bool {
	if dep == nil || dep.IssueID == "" || dep.DependsOnID == "" || !dep.Type.IsValid() {
		return false
	}
	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	issue := pc.liveIssue(dep.IssueID)
	if issue == nil {
		return false
	}
	for _, existing := range pc.dependencies[dep.IssueID] {
		if existing.DependsOnID == dep.DependsOnID {
			return false
		}
	}
	snapshot := issue.Clone()

	stored := *dep
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	pc.dependencies[dep.IssueID] = append(pc.dependencies[dep.IssueID], &stored)
	issue.UpdatedAt = time.Now()

	enqueued := stored
	c.queue.Enqueue(&queue.Item{
		Op:          queue.OpAddDependency,
		ProjectPath: projectPath,
		IssueID:     dep.IssueID,
		Dependency:  &enqueued,
		Snapshot:    snapshot,
	})
	return true
}

// RemoveDependency removes the edge to dependsOnID, if present.
func (c *Cache) RemoveDependency(projectPath, issueID, dependsOnID string) bool {
	pc := c.project(projectPath)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	issue := pc.liveIssue(issueID)
	if issue == nil {
		return false
	}
	deps := pc.dependencies[issueID]
	idx := -1
	for i, dep := range deps {
		if dep.DependsOnID == dependsOnID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	snapshot := issue.Clone()
	removed := *deps[idx]

	pc.dependencies[issueID] = append(deps[:idx], deps[idx+1:]...)
	issue.UpdatedAt = time.Now()

	c.queue.Enqueue(&queue.Item{
		Op:          queue.OpRemoveDependency,
		ProjectPath: projectPath,
		IssueID:     issueID,
		Dependency:  &removed,
		Snapshot:    snapshot,
	})
	return true
}

// Refresh discards the project's in-memory state and rebuilds it from
// the store's ground truth. Missing store files leave the cache
// untouched; that is the uninitialized-project path, not an error.
func (c *Cache) Refresh(ctx context.Context, projectPath string) error {
	dbPath := store.PathFor(projectPath, c.storePath)
	if !store.Exists(dbPath) {
		return nil
	}

	db, err := store.Open(dbPath, c.busyTimeout)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", projectPath, err)
	}
	defer func() { _ = db.Close() }()

	data, err := store.LoadProject(ctx, db)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", projectPath, err)
	}

	pc := c.project(projectPath)
	pc.mu.Lock()
	pc.issues = data.Issues
	pc.dependencies = data.Dependencies
	pc.loaded = true
	pc.mu.Unlock()

	debug.Logf("cache: refreshed %s (%d issues)", projectPath, len(data.Issues))
	return nil
}
