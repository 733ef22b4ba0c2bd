package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLite is the durable queue stored in the queue_jobs table.
type SQLite struct {
	DB          *sql.DB
	MaxAttempts int
	Now         func() time.Time
	// OnEnqueue, when set, is called after a job is committed.
	OnEnqueue func(Job)
}

func NewSQLite(db *sql.DB, maxAttempts int) *SQLite {
	return &SQLite{DB: db, MaxAttempts: maxAttempts, Now: time.Now}
}

func (q *SQLite) now() time.Time {
	if q.Now == nil {
		return time.Now().UTC()
	}
	return q.Now().UTC()
}

const jobColumns = `id,name,data_json,state,attempts,max_attempts,last_error,lease_owner,lease_expires_at,available_at,dead_at,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var j Job
	var data string
	var lastErr, owner, leaseExp, deadAt sql.NullString
	if err := row.Scan(&j.ID, &j.Name, &data, &j.State, &j.Attempts, &j.MaxAttempts, &lastErr, &owner, &leaseExp, &j.AvailableAt, &deadAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return j, ErrNotFound
		}
		return j, err
	}
	j.LastError = lastErr.String
	j.LeaseOwner = owner.String
	j.LeaseExpiresAt = leaseExp.String
	j.DeadAt = deadAt.String
	decoded, err := decodeData(data)
	if err != nil {
		return j, fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.Data = decoded
	return j, nil
}

func (q *SQLite) Enqueue(ctx context.Context, name string, data map[string]any) (Job, error) {
	if err := validateName(name); err != nil {
		return Job{}, err
	}
	raw, err := encodeData(data)
	if err != nil {
		return Job{}, err
	}
	now := formatTime(q.now())
	job := Job{
		ID:          uuid.NewString(),
		Name:        name,
		State:       StateWaiting,
		MaxAttempts: q.MaxAttempts,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := q.DB.ExecContext(ctx, `INSERT INTO queue_jobs(id,name,data_json,state,attempts,max_attempts,available_at,created_at,updated_at,seq) VALUES (?,?,?,?,0,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM queue_jobs))`,
		job.ID, job.Name, raw, job.State, job.MaxAttempts, job.AvailableAt, job.CreatedAt, job.UpdatedAt); err != nil {
		return Job{}, fmt.Errorf("enqueue %s: %w", name, err)
	}
	if job.Data, err = decodeData(raw); err != nil {
		return Job{}, err
	}
	if q.OnEnqueue != nil {
		q.OnEnqueue(job)
	}
	return job, nil
}

const dueClause = `((state IN (?,?) AND dead_at IS NULL AND available_at <= ?) OR (state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?))`

func (q *SQLite) Lease(ctx context.Context, consumer string, limit int, ttl time.Duration) ([]Job, error) {
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}
	nowT := q.now()
	now := formatTime(nowT)
	expires := formatTime(nowT.Add(ttl))
	dueArgs := []any{StateWaiting, StateFailed, now, StateActive, now}

	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start lease transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM queue_jobs WHERE `+dueClause+` ORDER BY available_at, seq LIMIT ?`, append(dueArgs, limit)...)
	if err != nil {
		return nil, fmt.Errorf("select lease candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	leased := make([]Job, 0, len(ids))
	for _, id := range ids {
		args := append([]any{StateActive, consumer, expires, now, id}, dueArgs...)
		res, err := tx.ExecContext(ctx, `UPDATE queue_jobs SET state=?, lease_owner=?, lease_expires_at=?, attempts=attempts+1, updated_at=? WHERE id=? AND `+dueClause, args...)
		if err != nil {
			return nil, fmt.Errorf("lease job %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id=?`, id))
		if err != nil {
			return nil, err
		}
		leased = append(leased, job)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease transaction: %w", err)
	}
	return leased, nil
}

// leased runs a lease-guarded update and maps a lost lease to ErrNotFound.
func (q *SQLite) leased(ctx context.Context, set string, id, consumer string, args ...any) error {
	args = append(args, id, StateActive, consumer)
	res, err := q.DB.ExecContext(ctx, `UPDATE queue_jobs SET `+set+` WHERE id=? AND state=? AND lease_owner=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *SQLite) Complete(ctx context.Context, id, consumer string) error {
	now := formatTime(q.now())
	return q.leased(ctx, `state=?, lease_owner=NULL, lease_expires_at=NULL, last_error=NULL, updated_at=?`, id, consumer, StateCompleted, now)
}

func (q *SQLite) Fail(ctx context.Context, id, consumer, lastErr string, retryAt time.Time) error {
	now := formatTime(q.now())
	return q.leased(ctx, `state=?, lease_owner=NULL, lease_expires_at=NULL, last_error=?, available_at=?, updated_at=?`, id, consumer,
		StateFailed, lastErr, formatTime(retryAt), now)
}

func (q *SQLite) Abandon(ctx context.Context, id, consumer, lastErr string) error {
	now := formatTime(q.now())
	return q.leased(ctx, `state=?, lease_owner=NULL, lease_expires_at=NULL, last_error=?, dead_at=?, updated_at=?`, id, consumer,
		StateFailed, lastErr, now, now)
}

func (q *SQLite) Retry(ctx context.Context, id string) error {
	now := formatTime(q.now())
	res, err := q.DB.ExecContext(ctx, `UPDATE queue_jobs SET state=?, attempts=0, dead_at=NULL, available_at=?, updated_at=? WHERE id=? AND state=?`,
		StateWaiting, now, now, id, StateFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *SQLite) Get(ctx context.Context, id string) (Job, error) {
	return scanJob(q.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id=?`, id))
}

func (q *SQLite) List(ctx context.Context, f Filter) ([]Job, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Name != "" {
		clauses = append(clauses, "name=?")
		args = append(args, f.Name)
	}
	if f.DeadOnly {
		clauses = append(clauses, "dead_at IS NOT NULL")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := q.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE `+strings.Join(clauses, " AND ")+` ORDER BY seq DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (q *SQLite) Counts(ctx context.Context) (map[State]int, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT state, COUNT(1) FROM queue_jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[State]int{}
	for rows.Next() {
		var st State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
