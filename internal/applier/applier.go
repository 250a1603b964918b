// Package applier translates queued mutations into durable writes
// against the on-disk store.
//
// Each statement commits independently on the connection the flush
// cycle hands in; there is no batch transaction, so a failed item
// never rolls back its siblings.
package applier

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/beadwork/internal/queue"
	"github.com/marcus/beadwork/internal/store"
	"github.com/marcus/beadwork/internal/types"
)

// Applier writes queue items to the store. Actor is recorded on every
// audit event row.
type Applier struct {
	Actor string
}

// New creates an applier with the given audit actor.
func New(actor string) *Applier {
	if actor == "" {
		actor = "beadwork"
	}
	return &Applier{Actor: actor}
}

// Apply dispatches one queue item to its operation-specific writer.
func (a *Applier) Apply(ctx context.Context, db *sql.DB, item *queue.Item) error {
	switch item.Op {
	case queue.OpCreate:
		return a.applyCreate(ctx, db, item)
	case queue.OpUpdate:
		return a.applyUpdate(ctx, db, item)
	case queue.OpClose:
		return a.applyClose(ctx, db, item)
	case queue.OpReopen:
		return a.applyReopen(ctx, db, item)
	case queue.OpDelete:
		return a.applyDelete(ctx, db, item)
	case queue.OpAddLabel:
		return a.applyAddLabel(ctx, db, item)
	case queue.OpRemoveLabel:
		return a.applyRemoveLabel(ctx, db, item)
	case queue.OpAddDependency:
		return a.applyAddDependency(ctx, db, item)
	case queue.OpRemoveDependency:
		return a.applyRemoveDependency(ctx, db, item)
	default:
		return fmt.Errorf("unknown operation: %s", item.Op)
	}
}

func (a *Applier) recordEvent(ctx context.Context, db *sql.DB, issueID string, eventType types.EventType, oldValue, newValue *string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO events (issue_id, event_type, old_value, new_value, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, issueID, eventType, oldValue, newValue, a.Actor, store.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

func strPtr(s string) *string { return &s }

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return store.FormatTime(*t)
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (a *Applier) applyCreate(ctx context.Context, db *sql.DB, item *queue.Item) error {
	issue := item.Issue
	if issue == nil {
		return fmt.Errorf("create item %s has no issue payload", item.IssueID)
	}

	var priority interface{}
	if issue.Priority != nil {
		priority = *issue.Priority
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO issues (
			id, title, description, status, priority, issue_type,
			assignee, created_at, updated_at, closed_at, deleted_at, close_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
	`,
		issue.ID, issue.Title, issue.Description, issue.Status, priority,
		issue.IssueType, nullableStr(issue.Assignee),
		store.FormatTime(issue.CreatedAt), store.FormatTime(issue.UpdatedAt),
		nullableTime(issue.ClosedAt), nullableStr(issue.CloseReason),
	)
	if err != nil {
		return fmt.Errorf("failed to insert issue: %w", err)
	}

	for _, label := range issue.Labels {
		if _, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO labels (issue_id, label) VALUES (?, ?)
		`, issue.ID, label); err != nil {
			return fmt.Errorf("failed to insert label %q: %w", label, err)
		}
	}

	return a.recordEvent(ctx, db, issue.ID, types.EventCreated, nil, strPtr(issue.Title))
}

func (a *Applier) applyUpdate(ctx context.Context, db *sql.DB, item *queue.Item) error {
	update := item.Update
	if update == nil {
		return fmt.Errorf("update item %s has no update payload", item.IssueID)
	}

	setClauses := []string{}
	args := []interface{}{}
	changed := []string{}
	add := func(column string, value interface{}) {
		setClauses = append(setClauses, column+" = ?")
		args = append(args, value)
		changed = append(changed, column)
	}

	if update.Title != nil {
		add("title", *update.Title)
	}
	if update.Description != nil {
		add("description", *update.Description)
	}
	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.IssueType != nil {
		add("issue_type", *update.IssueType)
	}
	if update.Priority != nil {
		add("priority", *update.Priority)
	}
	if update.Assignee != nil {
		add("assignee", nullableStr(*update.Assignee))
	}

	if len(setClauses) > 0 {
		setClauses = append(setClauses, "updated_at = ?")
		args = append(args, store.FormatTime(time.Now()))
		args = append(args, item.IssueID)

		// #nosec G201 - column names come from the fixed list above
		query := fmt.Sprintf("UPDATE issues SET %s WHERE id = ?", strings.Join(setClauses, ", "))
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update issue: %w", err)
		}
	}

	for _, label := range update.AddLabels {
		if _, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO labels (issue_id, label) VALUES (?, ?)
		`, item.IssueID, label); err != nil {
			return fmt.Errorf("failed to add label %q: %w", label, err)
		}
		changed = append(changed, "+label:"+label)
	}
	for _, label := range update.RemoveLabels {
		if _, err := db.ExecContext(ctx, `
			DELETE FROM labels WHERE issue_id = ? AND label = ?
		`, item.IssueID, label); err != nil {
			return fmt.Errorf("failed to remove label %q: %w", label, err)
		}
		changed = append(changed, "-label:"+label)
	}

	if len(changed) == 0 {
		return nil
	}
	return a.recordEvent(ctx, db, item.IssueID, types.EventUpdated, nil, strPtr(strings.Join(changed, ",")))
}

func (a *Applier) applyClose(ctx context.Context, db *sql.DB, item *queue.Item) error {
	now := store.FormatTime(time.Now())
	closedAt := now
	if item.Snapshot != nil && item.Snapshot.ClosedAt != nil {
		closedAt = store.FormatTime(*item.Snapshot.ClosedAt)
	}
	_, err := db.ExecContext(ctx, `
		UPDATE issues SET status = 'closed', closed_at = ?, close_reason = ?, updated_at = ?
		WHERE id = ?
	`, closedAt, nullableStr(item.Reason), now, item.IssueID)
	if err != nil {
		return fmt.Errorf("failed to close issue: %w", err)
	}

	var oldStatus *string
	if item.Snapshot != nil {
		oldStatus = strPtr(string(item.Snapshot.Status))
	}
	return a.recordEvent(ctx, db, item.IssueID, types.EventClosed, oldStatus, strPtr(string(types.StatusClosed)))
}

func (a *Applier) applyReopen(ctx context.Context, db *sql.DB, item *queue.Item) error {
	_, err := db.ExecContext(ctx, `
		UPDATE issues SET status = 'open', closed_at = NULL, close_reason = NULL, updated_at = ?
		WHERE id = ?
	`, store.FormatTime(time.Now()), item.IssueID)
	if err != nil {
		return fmt.Errorf("failed to reopen issue: %w", err)
	}

	var oldStatus *string
	if item.Snapshot != nil {
		oldStatus = strPtr(string(item.Snapshot.Status))
	}
	return a.recordEvent(ctx, db, item.IssueID, types.EventReopened, oldStatus, strPtr(string(types.StatusOpen)))
}

// applyDelete tombstones the row; issues are never physically removed.
func (a *Applier) applyDelete(ctx context.Context, db *sql.DB, item *queue.Item) error {
	_, err := db.ExecContext(ctx, `
		UPDATE issues SET status = 'tombstone', deleted_at = ?, updated_at = ?
		WHERE id = ?
	`, store.FormatTime(time.Now()), store.FormatTime(time.Now()), item.IssueID)
	if err != nil {
		return fmt.Errorf("failed to delete issue: %w", err)
	}

	var oldStatus *string
	if item.Snapshot != nil {
		oldStatus = strPtr(string(item.Snapshot.Status))
	}
	return a.recordEvent(ctx, db, item.IssueID, types.EventDeleted, oldStatus, strPtr(string(types.StatusTombstone)))
}

func (a *Applier) applyAddLabel(ctx context.Context, db *sql.DB, item *queue.Item) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO labels (issue_id, label) VALUES (?, ?)
	`, item.IssueID, item.Label)
	if err != nil {
		return fmt.Errorf("failed to add label: %w", err)
	}
	return a.recordEvent(ctx, db, item.IssueID, types.EventLabelAdded, nil, strPtr(item.Label))
}

func (a *Applier) applyRemoveLabel(ctx context.Context, db *sql.DB, item *queue.Item) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM labels WHERE issue_id = ? AND label = ?
	`, item.IssueID, item.Label)
	if err != nil {
		return fmt.Errorf("failed to remove label: %w", err)
	}
	return a.recordEvent(ctx, db, item.IssueID, types.EventLabelRemoved, strPtr(item.Label), nil)
}

func (a *Applier) applyAddDependency(ctx context.Context, db *sql.DB, item *queue.Item) error {
	dep := item.Dependency
	if dep == nil {
		return fmt.Errorf("dependency item %s has no payload", item.IssueID)
	}
	createdAt := dep.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO dependencies (issue_id, depends_on_id, type, created_at)
		VALUES (?, ?, ?, ?)
	`, dep.IssueID, dep.DependsOnID, dep.Type, store.FormatTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to add dependency: %w", err)
	}
	return nil
}

func (a *Applier) applyRemoveDependency(ctx context.Context, db *sql.DB, item *queue.Item) error {
	dep := item.Dependency
	if dep == nil {
		return fmt.Errorf("dependency item %s has no payload", item.IssueID)
	}
	_, err := db.ExecContext(ctx, `
		DELETE FROM dependencies WHERE issue_id = ? AND depends_on_id = ?
	`, dep.IssueID, dep.DependsOnID)
	if err != nil {
		return fmt.Errorf("failed to remove dependency: %w", err)
	}
	return nil
}
