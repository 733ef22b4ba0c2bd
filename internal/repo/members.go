package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskpilot/internal/domain"
)

// UpsertMember adds a user to an organization or updates their profile and role.
func (r Repo) UpsertMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	if strings.TrimSpace(m.OrganizationID) == "" || strings.TrimSpace(m.UserID) == "" {
		return errors.New("organization_id and user_id required")
	}
	if m.Role == "" {
		m.Role = "member"
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO members(organization_id,user_id,display_name,email,role,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(organization_id,user_id) DO UPDATE SET display_name=excluded.display_name, email=excluded.email, role=excluded.role`,
		m.OrganizationID, m.UserID, nullable(m.DisplayName), nullable(m.Email), m.Role, m.CreatedAt)
	return err
}

func (r Repo) GetMember(ctx context.Context, orgID, userID string) (domain.Member, error) {
	var m domain.Member
	err := r.DB.QueryRowContext(ctx, `SELECT organization_id,user_id,COALESCE(display_name,''),COALESCE(email,''),role,created_at FROM members WHERE organization_id=? AND user_id=?`, orgID, userID).
		Scan(&m.OrganizationID, &m.UserID, &m.DisplayName, &m.Email, &m.Role, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// IsMember reports whether userID belongs to orgID.
func (r Repo) IsMember(ctx context.Context, orgID, userID string) (bool, error) {
	_, err := r.GetMember(ctx, orgID, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListMembers(ctx context.Context, orgID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT organization_id,user_id,COALESCE(display_name,''),COALESCE(email,''),role,created_at FROM members WHERE organization_id=? ORDER BY user_id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.OrganizationID, &m.UserID, &m.DisplayName, &m.Email, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) RemoveMember(ctx context.Context, orgID, userID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM members WHERE organization_id=? AND user_id=?`, orgID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
