// Package store opens the on-disk issue database and reads full
// project snapshots for cache refresh.
//
// The schema is owned by the external tracker: issues, labels,
// dependencies, and events tables already exist in the store file.
// This package never creates or migrates tables.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus/beadwork/internal/types"
	_ "modernc.org/sqlite"
)

// TimeFormat is the fixed ISO-8601 UTC layout used for every
// timestamp written to the store.
const TimeFormat = "2006-01-02T15:04:05Z"

// FormatTime renders a timestamp in the store's wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime accepts the store's own format plus the layouts sqlite
// CURRENT_TIMESTAMP and other writers leave behind.
func ParseTime(s string) (time.Time, error) {
	layouts := []string{
		TimeFormat,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999-07:00",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp: %q", s)
}

// PathFor returns the store file location for a project root.
func PathFor(projectPath, storePath string) string {
	return filepath.Join(projectPath, storePath)
}

// Exists reports whether the store file is present. Projects without
// a store are the designed no-op path: mutations stay cached and the
// flush cycle skips durable writes entirely.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Open opens a fresh connection to the store file with WAL mode and a
// busy-wait timeout, tolerating the external sync command holding the
// file. Callers own the returned handle and must close it; the flush
// coordinator opens one per cycle rather than pooling across cycles.
func Open(path string, busyTimeout time.Duration) (*sql.DB, error) {
	connStr := fmt.Sprintf(
		"%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)",
		path, busyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// ProjectData is a full snapshot of one project's live rows.
type ProjectData struct {
	Issues       map[string]*types.Issue
	Dependencies map[string][]*types.Dependency
}

// LoadProject reads the store's ground truth: issues minus tombstoned
// and deleted rows, labels joined in, then outgoing dependencies.
func LoadProject(ctx context.Context, db *sql.DB) (*ProjectData, error) {
	data := &ProjectData{
		Issues:       make(map[string]*types.Issue),
		Dependencies: make(map[string][]*types.Dependency),
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, title, description, status, priority, issue_type,
		       assignee, created_at, updated_at, closed_at, close_reason
		FROM issues
		WHERE status != 'tombstone' AND deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			issue       types.Issue
			description sql.NullString
			priority    sql.NullInt64
			assignee    sql.NullString
			createdAt   string
			updatedAt   string
			closedAt    sql.NullString
			closeReason sql.NullString
		)
		if err := rows.Scan(&issue.ID, &issue.Title, &description, &issue.Status,
			&priority, &issue.IssueType, &assignee, &createdAt, &updatedAt,
			&closedAt, &closeReason); err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issue.Description = description.String
		if priority.Valid {
			p := int(priority.Int64)
			issue.Priority = &p
		}
		issue.Assignee = assignee.String
		issue.CloseReason = closeReason.String
		if issue.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("issue %s created_at: %w", issue.ID, err)
		}
		if issue.UpdatedAt, err = ParseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("issue %s updated_at: %w", issue.ID, err)
		}
		if closedAt.Valid && closedAt.String != "" {
			t, err := ParseTime(closedAt.String)
			if err != nil {
				return nil, fmt.Errorf("issue %s closed_at: %w", issue.ID, err)
			}
			issue.ClosedAt = &t
		}
		data.Issues[issue.ID] = &issue
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate issues: %w", err)
	}

	if err := loadLabels(ctx, db, data); err != nil {
		return nil, err
	}
	if err := loadDependencies(ctx, db, data); err != nil {
		return nil, err
	}
	return data, nil
}

func loadLabels(ctx context.Context, db *sql.DB, data *ProjectData) error {
	rows, err := db.QueryContext(ctx, `
		SELECT issue_id, label FROM labels ORDER BY issue_id, label
	`)
	if err != nil {
		return fmt.Errorf("failed to read labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var issueID, label string
		if err := rows.Scan(&issueID, &label); err != nil {
			return fmt.Errorf("failed to scan label: %w", err)
		}
		if issue, ok := data.Issues[issueID]; ok {
			issue.Labels = append(issue.Labels, label)
		}
	}
	return rows.Err()
}

func loadDependencies(ctx context.Context, db *sql.DB, data *ProjectData) error {
	rows, err := db.QueryContext(ctx, `
		SELECT issue_id, depends_on_id, type, created_at FROM dependencies
	`)
	if err != nil {
		return fmt.Errorf("failed to read dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			dep       types.Dependency
			createdAt sql.NullString
		)
		if err := rows.Scan(&dep.IssueID, &dep.DependsOnID, &dep.Type, &createdAt); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		if createdAt.Valid && createdAt.String != "" {
			if t, err := ParseTime(createdAt.String); err == nil {
				dep.CreatedAt = t
			}
		}
		if _, ok := data.Issues[dep.IssueID]; !ok {
			// Dangling edge from a tombstoned owner; refresh drops it.
			continue
		}
		data.Dependencies[dep.IssueID] = append(data.Dependencies[dep.IssueID], &dep)
	}
	return rows.Err()
}
