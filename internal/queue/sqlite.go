package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reachflow/internal/clock"
	"reachflow/internal/domain"
	"reachflow/internal/store"
)

type Repository interface {
	Schedule(ctx context.Context, at time.Time, action domain.ActionType, payload domain.TaskPayload) (string, error)
	RunNow(ctx context.Context, action domain.ActionType, payload domain.TaskPayload) (string, error)
	Enqueue(ctx context.Context, t domain.Task) (string, bool, error)
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	Claim(ctx context.Context, id, token string, now time.Time) (domain.Task, bool, error)
	Succeed(ctx context.Context, t domain.Task, step domain.StepStatus, msg string) error
	Reschedule(ctx context.Context, t domain.Task, at time.Time, countRetry bool, msg string) error
	Fail(ctx context.Context, t domain.Task, msg string) error
	Cancel(ctx context.Context, t domain.Task, msg string) error
	RecoverStale(ctx context.Context, now time.Time, window time.Duration) (int, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Task, error)
	ListForInstance(ctx context.Context, instanceID string) ([]domain.Task, error)
}

// StepHook runs inside the transaction that resolves a step task, after the
// StepRun row is written. An error rolls the resolution back.
type StepHook func(ctx context.Context, tx *sql.Tx, t domain.Task) error

type SQLiteRepo struct {
	db         *sql.DB
	clock      clock.Clock
	maxRetries int
	onStep     StepHook
}

// NewSQLiteRepo returns the task store. maxRetries is stamped on every new
// task and bounds its retry count.
func NewSQLiteRepo(db *sql.DB, clk clock.Clock, maxRetries int) *SQLiteRepo {
	return &SQLiteRepo{db: db, clock: clk, maxRetries: maxRetries}
}

// DB returns the underlying database connection.
func (r *SQLiteRepo) DB() *sql.DB { return r.db }

// OnStepResolved installs the hook run for every resolved step task. It must
// be set before workers start.
func (r *SQLiteRepo) OnStepResolved(h StepHook) { r.onStep = h }

const taskColumns = `id,action_type,payload,scheduled_for,processing_id,claimed_at,retry_count,max_retries,state,result_message,idempotency_key,created_at,updated_at`

func (r *SQLiteRepo) Schedule(ctx context.Context, at time.Time, action domain.ActionType, payload domain.TaskPayload) (string, error) {
	t, err := Insert(ctx, r.db, domain.Task{
		ActionType: action, Payload: payload, ScheduledFor: at, MaxRetries: r.maxRetries,
	}, r.clock.Now())
	return t.ID, err
}

func (r *SQLiteRepo) RunNow(ctx context.Context, action domain.ActionType, payload domain.TaskPayload) (string, error) {
	return r.Schedule(ctx, r.clock.Now(), action, payload)
}

// Enqueue stores a task submitted from outside. A zero ScheduledFor means now.
// When the task carries an idempotency key that is already stored, the
// existing task's id is returned with true and nothing is inserted.
func (r *SQLiteRepo) Enqueue(ctx context.Context, t domain.Task) (string, bool, error) {
	if t.ScheduledFor.IsZero() {
		t.ScheduledFor = r.clock.Now()
	}
	t.MaxRetries = r.maxRetries
	if t.IdempotencyKey != nil {
		if id, ok, err := r.byIdempotencyKey(ctx, *t.IdempotencyKey); err != nil || ok {
			return id, ok, err
		}
	}
	stored, err := Insert(ctx, r.db, t, r.clock.Now())
	if err != nil && t.IdempotencyKey != nil {
		// A concurrent submission with the same key won the insert.
		if id, ok, lookupErr := r.byIdempotencyKey(ctx, *t.IdempotencyKey); lookupErr == nil && ok {
			return id, true, nil
		}
	}
	if err != nil {
		return "", false, fmt.Errorf("enqueue task: %w", err)
	}
	return stored.ID, false, nil
}

func (r *SQLiteRepo) byIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM tasks WHERE idempotency_key=?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("look up idempotency key: %w", err)
	}
	return id, true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert persists a new pending task using db or an open transaction.
func Insert(ctx context.Context, db execer, t domain.Task, now time.Time) (domain.Task, error) {
	if !t.ActionType.Valid() {
		return domain.Task{}, fmt.Errorf("unknown action %q", t.ActionType)
	}
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return domain.Task{}, fmt.Errorf("encode payload: %w", err)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO tasks (id,action_type,payload,scheduled_for,retry_count,max_retries,state,instance_id,step_index,idempotency_key,created_at,updated_at)
VALUES (?,?,?,?,0,?,'pending',?,?,?,?,?)`,
		t.ID, t.ActionType, payload, store.Millis(t.ScheduledFor), t.MaxRetries,
		t.Payload.InstanceID, t.Payload.StepIndex, t.IdempotencyKey, store.Millis(now), store.Millis(now))
	if err != nil {
		return domain.Task{}, err
	}
	t.State = domain.TaskPending
	t.CreatedAt, t.UpdatedAt = store.Time(store.Millis(now)), store.Time(store.Millis(now))
	return t, nil
}

// Due lists unclaimed pending tasks whose time has come, oldest first.
func (r *SQLiteRepo) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id FROM tasks
WHERE state='pending' AND processing_id IS NULL AND scheduled_for <= ?
ORDER BY scheduled_for, created_at
LIMIT ?`, store.Millis(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Claim takes ownership of a due task with one conditional update. It returns
// false when another worker holds or resolved the task first.
func (r *SQLiteRepo) Claim(ctx context.Context, id, token string, now time.Time) (domain.Task, bool, error) {
	var t domain.Task
	claimed := false
	err := store.Tx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE tasks SET processing_id=?, claimed_at=?, updated_at=?
WHERE id=? AND processing_id IS NULL AND state='pending' AND scheduled_for <= ?`,
			token, store.Millis(now), store.Millis(now), id, store.Millis(now))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		claimed = true

		t, err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
		if err != nil {
			return err
		}
		if t.Payload.IsStep() {
			_, err = tx.ExecContext(ctx, `
UPDATE step_runs SET status='running', updated_at=? WHERE instance_id=? AND step_index=? AND status='pending'`,
				store.Millis(now), t.Payload.InstanceID, t.Payload.StepIndex)
		}
		return err
	})
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("claim task %s: %w", id, err)
	}
	return t, claimed, nil
}

func (r *SQLiteRepo) Succeed(ctx context.Context, t domain.Task, step domain.StepStatus, msg string) error {
	return r.resolve(ctx, t, resolution{state: domain.TaskSucceeded, at: t.ScheduledFor, retries: t.RetryCount, step: step, msg: msg})
}

// Reschedule releases the claim and moves the task to at. Only counted
// retries consume the retry budget.
func (r *SQLiteRepo) Reschedule(ctx context.Context, t domain.Task, at time.Time, countRetry bool, msg string) error {
	retries := t.RetryCount
	if countRetry {
		retries++
	}
	return r.resolve(ctx, t, resolution{state: domain.TaskPending, at: at, retries: retries, step: domain.StepPending, msg: msg})
}

func (r *SQLiteRepo) Fail(ctx context.Context, t domain.Task, msg string) error {
	return r.resolve(ctx, t, resolution{state: domain.TaskFailed, at: t.ScheduledFor, retries: t.RetryCount, step: domain.StepFailed, msg: msg})
}

func (r *SQLiteRepo) Cancel(ctx context.Context, t domain.Task, msg string) error {
	return r.resolve(ctx, t, resolution{state: domain.TaskCanceled, at: t.ScheduledFor, retries: t.RetryCount, step: domain.StepCanceled, msg: msg})
}

type resolution struct {
	state   domain.TaskState
	at      time.Time
	retries int
	step    domain.StepStatus
	msg     string
}

// resolve writes the task outcome, its StepRun and whatever the step hook folds
// into the instance in one transaction, provided the caller still holds the
// claim.
func (r *SQLiteRepo) resolve(ctx context.Context, t domain.Task, res resolution) error {
	if t.ProcessingID == nil {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrClaimLost)
	}
	now := store.Millis(r.clock.Now())
	err := store.Tx(ctx, r.db, func(tx *sql.Tx) error {
		out, err := tx.ExecContext(ctx, `
UPDATE tasks
SET state=?, scheduled_for=?, retry_count=?, result_message=?, processing_id=NULL, claimed_at=NULL, updated_at=?
WHERE id=? AND processing_id=?`,
			res.state, store.Millis(res.at), res.retries, res.msg, now, t.ID, *t.ProcessingID)
		if err != nil {
			return err
		}
		n, err := out.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrClaimLost
		}
		if !t.Payload.IsStep() {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
UPDATE step_runs SET status=?, retry_count=?, message=?, updated_at=?
WHERE instance_id=? AND step_index=? AND task_id=? AND status IN ('pending','running')`,
			res.step, res.retries, res.msg, now, t.Payload.InstanceID, t.Payload.StepIndex, t.ID)
		if err != nil || r.onStep == nil {
			return err
		}
		return r.onStep(ctx, tx, t)
	})
	if err != nil {
		return fmt.Errorf("resolve task %s: %w", t.ID, err)
	}
	return nil
}

// RecoverStale releases claims held longer than window, returning their tasks
// and StepRuns to pending so another worker can pick them up.
func (r *SQLiteRepo) RecoverStale(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	cutoff := store.Millis(now.Add(-window))
	recovered := 0
	err := store.Tx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT id, instance_id, step_index FROM tasks
WHERE state='pending' AND processing_id IS NOT NULL AND claimed_at < ?`, cutoff)
		if err != nil {
			return err
		}
		type stale struct {
			id, instanceID string
			step           int
		}
		var found []stale
		for rows.Next() {
			var s stale
			if err := rows.Scan(&s.id, &s.instanceID, &s.step); err != nil {
				rows.Close()
				return err
			}
			found = append(found, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, s := range found {
			res, err := tx.ExecContext(ctx, `
UPDATE tasks SET processing_id=NULL, claimed_at=NULL, updated_at=?
WHERE id=? AND processing_id IS NOT NULL AND claimed_at < ?`, store.Millis(now), s.id, cutoff)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			recovered++
			if s.instanceID == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
UPDATE step_runs SET status='pending', updated_at=? WHERE instance_id=? AND step_index=? AND status='running'`,
				store.Millis(now), s.instanceID, s.step); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover stale claims: %w", err)
	}
	return recovered, nil
}

// CancelPendingForInstance marks every unclaimed pending task of the instance
// canceled, together with its StepRun. Claimed tasks are left to the handler,
// which re-checks the instance status.
func CancelPendingForInstance(ctx context.Context, tx *sql.Tx, instanceID string, now time.Time) (int, error) {
	res, err := tx.ExecContext(ctx, `
UPDATE tasks SET state='canceled', result_message='instance cancelled', updated_at=?
WHERE instance_id=? AND state='pending' AND processing_id IS NULL`, store.Millis(now), instanceID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE step_runs SET status='canceled', message='instance cancelled', updated_at=?
WHERE instance_id=? AND status='pending'`, store.Millis(now), instanceID)
	return int(n), err
}

func (r *SQLiteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return t, err
}

func (r *SQLiteRepo) ListRecent(ctx context.Context, limit int) ([]domain.Task, error) {
	return r.list(ctx, `ORDER BY created_at DESC LIMIT ?`, limit)
}

func (r *SQLiteRepo) ListForInstance(ctx context.Context, instanceID string) ([]domain.Task, error) {
	return r.list(ctx, `WHERE instance_id=? ORDER BY step_index`, instanceID)
}

func (r *SQLiteRepo) list(ctx context.Context, tail string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var payload []byte
	var scheduled, created, updated int64
	var processing, idem sql.NullString
	var claimed sql.NullInt64
	if err := s.Scan(&t.ID, &t.ActionType, &payload, &scheduled, &processing, &claimed,
		&t.RetryCount, &t.MaxRetries, &t.State, &t.ResultMessage, &idem, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return domain.Task{}, fmt.Errorf("decode payload of task %s: %w", t.ID, err)
	}
	if processing.Valid {
		p := processing.String
		t.ProcessingID = &p
	}
	if idem.Valid {
		k := idem.String
		t.IdempotencyKey = &k
	}
	t.ClaimedAt = store.NullTime(claimed)
	t.ScheduledFor = store.Time(scheduled)
	t.CreatedAt, t.UpdatedAt = store.Time(created), store.Time(updated)
	return t, nil
}
