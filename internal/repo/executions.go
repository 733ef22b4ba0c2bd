package repo

import (
	"context"
	"database/sql"

	"taskpilot/internal/domain"
)

// HasExecution reports whether the action already ran for the event.
func (r Repo) HasExecution(ctx context.Context, eventID, ruleID, actionID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM action_executions WHERE event_id=? AND rule_id=? AND action_id=?`, eventID, ruleID, actionID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordExecution stores a completed action. Recording twice is a no-op.
func (r Repo) RecordExecution(ctx context.Context, tx *sql.Tx, e domain.ActionExecution) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO action_executions(event_id,rule_id,action_id,executed_at) VALUES (?,?,?,?)`,
		e.EventID, e.RuleID, e.ActionID, e.ExecutedAt)
	return err
}

func (r Repo) ListExecutions(ctx context.Context, eventID string) ([]domain.ActionExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT event_id,rule_id,action_id,executed_at FROM action_executions WHERE event_id=? ORDER BY executed_at, rule_id, action_id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionExecution
	for rows.Next() {
		var e domain.ActionExecution
		if err := rows.Scan(&e.EventID, &e.RuleID, &e.ActionID, &e.ExecutedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
