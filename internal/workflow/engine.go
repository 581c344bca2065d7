// Package workflow enrolls customers into multi-step outreach templates and
// drives each instance from its step outcomes.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"reachflow/internal/clock"
	"reachflow/internal/dispatch"
	"reachflow/internal/domain"
	"reachflow/internal/queue"
	"reachflow/internal/store"
)

// Dispatcher runs one action and records it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) domain.Outcome
	Handle(ctx context.Context, t domain.Task) domain.Outcome
	Reject(ctx context.Context, req dispatch.Request, msg string) domain.Outcome
}

// Engine is the worker.Handler for queued tasks and folds step results into
// their instances through FoldStep.
type Engine struct {
	store      *Store
	db         *sql.DB
	directory  dispatch.Directory
	dispatcher Dispatcher
	clock      clock.Clock
	maxRetries int
	log        zerolog.Logger
}

func NewEngine(db *sql.DB, directory dispatch.Directory, dispatcher Dispatcher, clk clock.Clock, maxRetries int, log zerolog.Logger) *Engine {
	return &Engine{
		store:      NewStore(db, clk),
		db:         db,
		directory:  directory,
		dispatcher: dispatcher,
		clock:      clk,
		maxRetries: maxRetries,
		log:        log,
	}
}

func (e *Engine) Store() *Store { return e.store }

// Enroll starts the template for the customer. Every step gets its StepRun and
// its task up front, scheduled at start time plus the step delay. If the
// customer already has an open instance of the template its id is returned
// with ErrAlreadyEnrolled.
func (e *Engine) Enroll(ctx context.Context, customerID, templateID string) (string, error) {
	tpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return "", err
	}
	customer, err := e.directory.FindCustomer(ctx, customerID)
	if err != nil {
		return "", err
	}
	if customer.AccountID == "" {
		return "", fmt.Errorf("%w: customer %s has no account", domain.ErrInvalidInput, customerID)
	}
	if id, err := e.store.openInstance(ctx, customerID, templateID); err != nil {
		return "", err
	} else if id != "" {
		return id, domain.ErrAlreadyEnrolled
	}

	start := e.clock.Now()
	inst := domain.Instance{
		ID:         "ins_" + uuid.NewString(),
		CustomerID: customerID,
		TemplateID: templateID,
		AccountID:  customer.AccountID,
		StartTime:  start,
		Status:     domain.InstanceActive,
	}
	for i, step := range tpl.Steps {
		at := start.Add(step.Delay)
		inst.Steps = append(inst.Steps, domain.StepRun{
			Index:         i,
			Action:        step.Action,
			ScheduledTime: at,
			Status:        domain.StepPending,
			Params:        step.Params,
			Blocking:      step.Blocking,
			TaskID:        "tsk_" + uuid.NewString(),
		})
		if inst.NextStepTime == nil || at.Before(*inst.NextStepTime) {
			inst.NextStepTime = &at
		}
	}

	now := store.Millis(start)
	err = store.Tx(ctx, e.db, func(tx *sql.Tx) error {
		if err := insertInstance(ctx, tx, inst, now); err != nil {
			return err
		}
		for _, st := range inst.Steps {
			if err := insertStep(ctx, tx, inst.ID, st, now); err != nil {
				return err
			}
			_, err := queue.Insert(ctx, tx, domain.Task{
				ID:         st.TaskID,
				ActionType: st.Action,
				Payload: domain.TaskPayload{
					AccountID:  inst.AccountID,
					CustomerID: customerID,
					Params:     st.Params,
					InstanceID: inst.ID,
					StepIndex:  st.Index,
				},
				ScheduledFor: st.ScheduledTime,
				MaxRetries:   e.maxRetries,
			}, start)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if isConstraintViolation(err) {
		// Lost a race with a concurrent enrollment.
		if id, lookupErr := e.store.openInstance(ctx, customerID, templateID); lookupErr == nil && id != "" {
			return id, domain.ErrAlreadyEnrolled
		}
	}
	if err != nil {
		return "", fmt.Errorf("enroll %s in %s: %w", customerID, templateID, err)
	}

	e.log.Info().Str("instance_id", inst.ID).Str("customer_id", customerID).
		Str("template_id", templateID).Int("steps", len(inst.Steps)).Msg("customer enrolled")
	return inst.ID, nil
}

func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT
}

// Cancel stops the instance. Unclaimed pending steps are canceled right away;
// a step already claimed by a worker sees the status when it runs.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	now := e.clock.Now()
	var canceled int
	err := store.Tx(ctx, e.db, func(tx *sql.Tx) error {
		if err := transition(ctx, tx, instanceID, domain.InstanceCancelled, now, domain.InstanceActive, domain.InstancePaused); err != nil {
			return err
		}
		var err error
		canceled, err = queue.CancelPendingForInstance(ctx, tx, instanceID, now)
		return err
	})
	if err != nil {
		return err
	}
	e.log.Info().Str("instance_id", instanceID).Int("tasks_canceled", canceled).Msg("instance cancelled")
	return nil
}

func (e *Engine) Pause(ctx context.Context, instanceID string) error {
	err := store.Tx(ctx, e.db, func(tx *sql.Tx) error {
		return transition(ctx, tx, instanceID, domain.InstancePaused, e.clock.Now(), domain.InstanceActive)
	})
	if err != nil {
		return err
	}
	e.log.Info().Str("instance_id", instanceID).Msg("instance paused")
	return nil
}

// Resume reactivates a paused instance and pulls steps deferred during the
// pause back to now. Tasks waiting out a retry or rate-limit delay keep
// their time.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	now := e.clock.Now()
	err := store.Tx(ctx, e.db, func(tx *sql.Tx) error {
		if err := transition(ctx, tx, instanceID, domain.InstanceActive, now, domain.InstancePaused); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
UPDATE tasks SET scheduled_for=?1, updated_at=?1
WHERE instance_id=?2 AND state='pending' AND processing_id IS NULL AND scheduled_for > ?1
  AND result_message=?3`,
			store.Millis(now), instanceID, pausedMessage)
		return err
	})
	if err != nil {
		return err
	}
	e.log.Info().Str("instance_id", instanceID).Msg("instance resumed")
	return nil
}

// pausedMessage marks tasks deferred by a pause so Resume can find them.
const pausedMessage = "instance paused"

// transition moves the instance to status when it is currently in one of from.
func transition(ctx context.Context, tx *sql.Tx, id string, status domain.InstanceStatus, now time.Time, from ...domain.InstanceStatus) error {
	var current domain.InstanceStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM workflow_instances WHERE id=?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	allowed := false
	for _, f := range from {
		allowed = allowed || current == f
	}
	if !allowed {
		return fmt.Errorf("instance %s is %s, cannot become %s: %w", id, current, status, domain.ErrInvalidTransition)
	}

	query := `UPDATE workflow_instances SET status=?, updated_at=? WHERE id=?`
	if !status.Open() {
		query = `UPDATE workflow_instances SET status=?, next_step_time=NULL, updated_at=? WHERE id=?`
	}
	_, err = tx.ExecContext(ctx, query, status, store.Millis(now), id)
	return err
}

// Handle executes a queued task. Tasks outside any instance go straight to
// the dispatcher.
func (e *Engine) Handle(ctx context.Context, t domain.Task) domain.Outcome {
	if !t.Payload.IsStep() {
		return e.dispatcher.Handle(ctx, t)
	}

	var status domain.InstanceStatus
	err := e.db.QueryRowContext(ctx, `SELECT status FROM workflow_instances WHERE id=?`, t.Payload.InstanceID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Canceled("instance not found")
	}
	if err != nil {
		return domain.TransportFailure("load instance: " + err.Error())
	}
	switch status {
	case domain.InstanceActive:
	case domain.InstancePaused:
		return domain.Deferred(pausedMessage)
	default:
		return domain.Canceled("instance " + string(status))
	}

	customer, err := e.directory.FindCustomer(ctx, t.Payload.CustomerID)
	if errors.Is(err, domain.ErrNotFound) {
		return e.dispatcher.Reject(ctx, dispatch.TaskRequest(t, ""), "customer not found")
	}
	if err != nil {
		return domain.TransportFailure("load customer: " + err.Error())
	}
	if t.ActionType == domain.ActionFindUID && customer.UID != "" {
		return domain.Skipped("uid already known")
	}
	target := dispatch.TargetFor(customer, t.ActionType)
	if target == "" {
		return e.dispatcher.Reject(ctx, dispatch.TaskRequest(t, ""), "customer has no uid yet")
	}
	return e.dispatcher.Dispatch(ctx, dispatch.TaskRequest(t, target))
}

// FoldStep folds a resolved step task back into its instance: it fails the
// instance on a blocking failure, completes it once every step is terminal
// and keeps NextStepTime current. It runs inside the resolving transaction,
// see queue.SQLiteRepo.OnStepResolved.
func (e *Engine) FoldStep(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	id := t.Payload.InstanceID
	var status domain.InstanceStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM workflow_instances WHERE id=?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load instance %s: %w", id, err)
	}
	if !status.Open() {
		return nil
	}
	steps, err := loadSteps(ctx, tx, id)
	if err != nil {
		return err
	}
	now := e.clock.Now()

	for _, st := range steps {
		if st.Index == t.Payload.StepIndex && st.Blocking && st.Status == domain.StepFailed {
			if _, err := tx.ExecContext(ctx, `
UPDATE workflow_instances SET status='failed', next_step_time=NULL, updated_at=? WHERE id=?`,
				store.Millis(now), id); err != nil {
				return err
			}
			if _, err := queue.CancelPendingForInstance(ctx, tx, id, now); err != nil {
				return err
			}
			e.log.Info().Str("instance_id", id).Int("step", st.Index).Msg("instance failed on blocking step")
			return nil
		}
	}

	var next *time.Time
	for _, st := range steps {
		if st.Status.Terminal() {
			continue
		}
		if next == nil || st.ScheduledTime.Before(*next) {
			at := st.ScheduledTime
			next = &at
		}
	}
	if next == nil {
		if _, err := tx.ExecContext(ctx, `
UPDATE workflow_instances SET status='completed', next_step_time=NULL, updated_at=? WHERE id=?`,
			store.Millis(now), id); err != nil {
			return err
		}
		e.log.Info().Str("instance_id", id).Msg("instance completed")
		return nil
	}
	_, err = tx.ExecContext(ctx, `UPDATE workflow_instances SET next_step_time=?, updated_at=? WHERE id=?`,
		store.NullMillis(next), store.Millis(now), id)
	return err
}
