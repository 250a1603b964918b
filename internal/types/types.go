// Package types defines the issue model shared by the cache, queue,
// and persistence layers.
package types

import (
	"fmt"
	"time"
)

// Issue represents a trackable work item
type Issue struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	IssueType   IssueType  `json:"issue_type"`
	Priority    *int       `json:"priority,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	ParentID    string     `json:"parent_id,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// Validate checks if the issue has valid field values
func (i *Issue) Validate() error {
	if len(i.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if len(i.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(i.Title))
	}
	if i.Priority != nil && (*i.Priority < 0 || *i.Priority > 4) {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", *i.Priority)
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", i.Status)
	}
	if !i.IssueType.IsValid() {
		return fmt.Errorf("invalid issue type: %s", i.IssueType)
	}
	return nil
}

// Clone returns a deep copy of the issue, detached from the cache's
// live maps so queue snapshots stay immutable.
func (i *Issue) Clone() *Issue {
	c := *i
	if i.Priority != nil {
		p := *i.Priority
		c.Priority = &p
	}
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		c.ClosedAt = &t
	}
	if i.Labels != nil {
		c.Labels = append([]string(nil), i.Labels...)
	}
	return &c
}

// HasLabel reports whether the issue carries the given label
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Status represents the current state of an issue
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
	StatusDeferred   Status = "deferred"
	StatusTombstone  Status = "tombstone"
	StatusPinned     Status = "pinned"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusClosed,
		StatusDeferred, StatusTombstone, StatusPinned:
		return true
	}
	return false
}

// IssueType categorizes the kind of work
type IssueType string

const (
	TypeFeature IssueType = "feature"
	TypeBug     IssueType = "bug"
	TypeTask    IssueType = "task"
	TypeEpic    IssueType = "epic"
	TypeChore   IssueType = "chore"
)

// IsValid checks if the issue type value is valid
func (t IssueType) IsValid() bool {
	switch t {
	case TypeFeature, TypeBug, TypeTask, TypeEpic, TypeChore:
		return true
	}
	return false
}

// Dependency represents a relationship between issues, owned by the
// issue identified by IssueID
type Dependency struct {
	IssueID     string         `json:"issue_id"`
	DependsOnID string         `json:"depends_on_id"`
	Type        DependencyType `json:"type"`
	CreatedAt   time.Time      `json:"created_at"`
}

// DependencyType categorizes the relationship
type DependencyType string

const (
	DepBlocks         DependencyType = "blocks"
	DepRelated        DependencyType = "related"
	DepParentChild    DependencyType = "parent-child"
	DepDiscoveredFrom DependencyType = "discovered-from"
)

// IsValid checks if the dependency type value is valid
func (d DependencyType) IsValid() bool {
	switch d {
	case DepBlocks, DepRelated, DepParentChild, DepDiscoveredFrom:
		return true
	}
	return false
}

// EventType categorizes audit trail events written during flush
type EventType string

const (
	EventCreated      EventType = "created"
	EventUpdated      EventType = "updated"
	EventClosed       EventType = "closed"
	EventReopened     EventType = "reopened"
	EventDeleted      EventType = "deleted"
	EventLabelAdded   EventType = "label_added"
	EventLabelRemoved EventType = "label_removed"
)

// IssueUpdate is a partial update; nil fields are left unchanged.
// AddLabels and RemoveLabels ride along with the column changes so a
// form-style edit flushes as one queue item.
type IssueUpdate struct {
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Status       *Status    `json:"status,omitempty"`
	IssueType    *IssueType `json:"issue_type,omitempty"`
	Priority     *int       `json:"priority,omitempty"`
	Assignee     *string    `json:"assignee,omitempty"`
	ParentID     *string    `json:"parent_id,omitempty"`
	AddLabels    []string   `json:"add_labels,omitempty"`
	RemoveLabels []string   `json:"remove_labels,omitempty"`
}

// IsEmpty reports whether the update would change nothing
func (u *IssueUpdate) IsEmpty() bool {
	return u.Title == nil && u.Description == nil && u.Status == nil &&
		u.IssueType == nil && u.Priority == nil && u.Assignee == nil &&
		u.ParentID == nil && len(u.AddLabels) == 0 && len(u.RemoveLabels) == 0
}

// IssueFilter is used to filter issue queries. All set fields must
// match (logical AND).
type IssueFilter struct {
	Status        *Status
	IssueType     *IssueType
	Priority      *int
	Assignee      *string
	Labels        []string // issue must carry every label
	AnyLabels     []string // issue must carry at least one
	TitleContains string   // case-insensitive substring
}
