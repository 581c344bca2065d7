package store

import (
	"context"
	"database/sql"

	"reachflow/internal/clock"
	"reachflow/internal/domain"
)

type ActionLogs struct {
	db    *sql.DB
	clock clock.Clock
}

func NewActionLogs(db *sql.DB, clk clock.Clock) *ActionLogs { return &ActionLogs{db: db, clock: clk} }

func (r *ActionLogs) Append(ctx context.Context, l domain.ActionLog) (int64, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = r.clock.Now()
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO action_logs (account_id,action_type,target,status,message,task_id,instance_id,step_index,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`, l.AccountID, l.ActionType, l.Target, l.Status, l.Message,
		l.TaskID, l.InstanceID, l.StepIndex, Millis(l.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListByAccount returns the newest records first.
func (r *ActionLogs) ListByAccount(ctx context.Context, accountID string, limit int) ([]domain.ActionLog, error) {
	return r.list(ctx, `WHERE account_id=? ORDER BY id DESC LIMIT ?`, accountID, limit)
}

func (r *ActionLogs) ListByTask(ctx context.Context, taskID string) ([]domain.ActionLog, error) {
	return r.list(ctx, `WHERE task_id=? ORDER BY id`, taskID)
}

func (r *ActionLogs) list(ctx context.Context, where string, args ...any) ([]domain.ActionLog, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,account_id,action_type,target,status,message,task_id,instance_id,step_index,created_at
FROM action_logs `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.ActionLog
	for rows.Next() {
		var l domain.ActionLog
		var created int64
		if err := rows.Scan(&l.ID, &l.AccountID, &l.ActionType, &l.Target, &l.Status, &l.Message,
			&l.TaskID, &l.InstanceID, &l.StepIndex, &created); err != nil {
			return nil, err
		}
		l.CreatedAt = Time(created)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
