package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskpilot/internal/domain"
)

const notificationColumns = `seq,id,organization_id,user_id,title,body,channel,event_name,dedupe_key,read_at,created_at`

// InsertNotification stores n unless another notification already carries its
// dedupe key. It reports whether a row was written.
func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) (bool, error) {
	if n.ID == "" || n.OrganizationID == "" || n.UserID == "" {
		return false, errors.New("notification id, organization_id and user_id required")
	}
	if n.Channel == "" {
		n.Channel = "inbox"
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,organization_id,user_id,title,body,channel,event_name,dedupe_key,created_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(dedupe_key) DO NOTHING`,
		n.ID, n.OrganizationID, n.UserID, n.Title, nullable(n.Body), n.Channel, nullable(n.EventName), nullable(n.DedupeKey), n.CreatedAt)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

type NotificationFilters struct {
	OrganizationID string
	UserID         string
	UnreadOnly     bool
	// AfterSeq returns only notifications newer than the cursor.
	AfterSeq int64
	Limit    int
}

// ListNotifications returns notifications in delivery order.
func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	clauses := []string{"organization_id=?", "seq>?"}
	args := []any{f.OrganizationID, f.AfterSeq}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.UnreadOnly {
		clauses = append(clauses, "read_at IS NULL")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE `+strings.Join(clauses, " AND ")+` ORDER BY seq LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var body, eventName, dedupe, readAt sql.NullString
		if err := rows.Scan(&n.Seq, &n.ID, &n.OrganizationID, &n.UserID, &n.Title, &body, &n.Channel, &eventName, &dedupe, &readAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Body = body.String
		n.EventName = eventName.String
		n.DedupeKey = dedupe.String
		if readAt.Valid {
			n.ReadAt = &readAt.String
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationRead(ctx context.Context, orgID, id, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read_at=COALESCE(read_at, ?) WHERE id=? AND organization_id=?`, now, id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestNotificationSeq returns the newest notification sequence of an organization.
func (r Repo) LatestNotificationSeq(ctx context.Context, orgID string) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM notifications WHERE organization_id=?`, orgID).Scan(&seq)
	return seq, err
}

// LatestEventID returns the most recent activity event id.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
