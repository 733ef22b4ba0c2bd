package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskpilot/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns tx when set, otherwise the pool.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const taskColumns = `id,organization_id,project_id,parent_id,title,description,status,assignee_id,priority,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var projectID, parentID, description, assigneeID sql.NullString
	var priority sql.NullInt64
	err := row.Scan(&t.ID, &t.OrganizationID, &projectID, &parentID, &t.Title, &description, &t.Status, &assigneeID, &priority, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ProjectID = projectID.String
	t.Description = description.String
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OrganizationID, nullable(t.ProjectID), nullableStringPtr(t.ParentID), t.Title, nullable(t.Description),
		t.Status, nullableStringPtr(t.AssigneeID), nullableIntPtr(t.Priority), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE tasks SET parent_id=?, title=?, description=?, status=?, assignee_id=?, priority=?, updated_at=? WHERE id=? AND organization_id=?`,
		nullableStringPtr(t.ParentID), t.Title, nullable(t.Description), t.Status,
		nullableStringPtr(t.AssigneeID), nullableIntPtr(t.Priority), t.UpdatedAt, t.ID, t.OrganizationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTask loads a task scoped to its organization.
func (r Repo) GetTask(ctx context.Context, orgID, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, orgID, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, orgID, id string) (domain.Task, error) {
	return scanTask(r.on(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND organization_id=?`, id, orgID))
}

// ApplyTaskUpdate writes u onto the stored task in one transaction and returns the result.
func (r Repo) ApplyTaskUpdate(ctx context.Context, orgID, id string, u domain.TaskUpdate, now string) (domain.Task, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	current, err := r.GetTaskTx(ctx, tx, orgID, id)
	if err != nil {
		return domain.Task{}, err
	}
	next := current.Apply(u)
	next.UpdatedAt = now
	if err := r.UpdateTask(ctx, tx, next); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return next, nil
}

type TaskFilters struct {
	OrganizationID string
	Status         string
	AssigneeID     string
	ParentID       string
	Limit          int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"organization_id=?"}
	args := []any{f.OrganizationID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

type EventFilters struct {
	OrganizationID string
	Type           string
	EntityKind     string
	EntityID       string
	// Before restricts results to ids lower than the cursor.
	Before int64
	Limit  int
}

// LatestEvents returns activity events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.OrganizationID != "" {
		clauses = append(clauses, "organization_id=?")
		args = append(args, f.OrganizationID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,organization_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, orgID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if orgID != "" {
		clauses = append(clauses, "organization_id=?")
		args = append(args, orgID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,organization_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var org, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &org, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.OrganizationID = org.String
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
