package queue

import (
	"time"

	"github.com/marcus/beadwork/internal/types"
)

// Operation identifies the kind of mutation a queue item carries.
type Operation string

const (
	OpCreate           Operation = "create"
	OpUpdate           Operation = "update"
	OpClose            Operation = "close"
	OpReopen           Operation = "reopen"
	OpDelete           Operation = "delete"
	OpAddLabel         Operation = "add_label"
	OpRemoveLabel      Operation = "remove_label"
	OpAddDependency    Operation = "add_dependency"
	OpRemoveDependency Operation = "remove_dependency"
)

// ItemStatus tracks a queue item through the flush path. Items only
// move forward: pending items become completed or failed inside a
// flush cycle and never transition back.
type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"
	StatusCompleted ItemStatus = "completed"
	StatusFailed    ItemStatus = "failed"
)

// Item is one buffered mutation. Exactly one payload field is set,
// according to Op. Snapshot holds the issue's pre-mutation state so a
// host can implement undo from history entries; it is nil for creates.
type Item struct {
	Op          Operation         `json:"op"`
	ProjectPath string            `json:"project_path"`
	IssueID     string            `json:"issue_id"`
	Issue       *types.Issue      `json:"issue,omitempty"`      // OpCreate
	Update      *types.IssueUpdate `json:"update,omitempty"`    // OpUpdate
	Reason      string            `json:"reason,omitempty"`     // OpClose
	Label       string            `json:"label,omitempty"`      // OpAddLabel, OpRemoveLabel
	Dependency  *types.Dependency `json:"dependency,omitempty"` // OpAddDependency, OpRemoveDependency
	Snapshot    *types.Issue      `json:"snapshot,omitempty"`
	Status      ItemStatus        `json:"status"`
	Error       string            `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
}

// EventKind tags entries on the queue's notification channel.
type EventKind string

const (
	EventItemEnqueued        EventKind = "item_enqueued"
	EventDebounceCompleted   EventKind = "debounce_completed"
	EventProcessingCompleted EventKind = "processing_completed"
)

// Event is a tagged notification for the hosting application's UI
// layer ("saving…" / "saved" indicators and failure surfacing).
type Event struct {
	Kind        EventKind
	ProjectPath string
	Success     bool  // meaningful for EventProcessingCompleted
	Item        *Item // set for EventItemEnqueued
}
