package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"reachflow/internal/clock"
	"reachflow/internal/domain"
	"reachflow/internal/store"
)

// Store persists templates, instances and their step runs.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

func NewStore(db *sql.DB, clk clock.Clock) *Store { return &Store{db: db, clock: clk} }

func (s *Store) CreateTemplate(ctx context.Context, tpl domain.WorkflowTemplate) (domain.WorkflowTemplate, error) {
	if tpl.ID == "" {
		tpl.ID = "tpl_" + uuid.NewString()
	}
	if err := validateTemplate(tpl); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	steps, err := json.Marshal(tpl.Steps)
	if err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("encode steps: %w", err)
	}
	now := store.Millis(s.clock.Now())
	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflow_templates (id,name,steps,created_at,updated_at) VALUES (?,?,?,?,?)`,
		tpl.ID, tpl.Name, steps, now, now)
	if err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	tpl.CreatedAt, tpl.UpdatedAt = store.Time(now), store.Time(now)
	return tpl, nil
}

// UpdateTemplate replaces the name and steps of a template no instance has
// been derived from yet.
func (s *Store) UpdateTemplate(ctx context.Context, tpl domain.WorkflowTemplate) (domain.WorkflowTemplate, error) {
	if err := validateTemplate(tpl); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	steps, err := json.Marshal(tpl.Steps)
	if err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("encode steps: %w", err)
	}
	now := store.Millis(s.clock.Now())
	err = store.Tx(ctx, s.db, func(tx *sql.Tx) error {
		var used bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM workflow_instances WHERE template_id=?)`, tpl.ID).Scan(&used); err != nil {
			return err
		}
		if used {
			return fmt.Errorf("template %s: %w", tpl.ID, domain.ErrTemplateInUse)
		}
		res, err := tx.ExecContext(ctx, `UPDATE workflow_templates SET name=?, steps=?, updated_at=? WHERE id=?`,
			tpl.Name, steps, now, tpl.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			if err == nil {
				err = fmt.Errorf("template %s: %w", tpl.ID, domain.ErrNotFound)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.WorkflowTemplate{}, err
	}
	return s.GetTemplate(ctx, tpl.ID)
}

func (s *Store) GetTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error) {
	tpl, err := scanTemplate(s.db.QueryRowContext(ctx,
		`SELECT id,name,steps,created_at,updated_at FROM workflow_templates WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkflowTemplate{}, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	return tpl, err
}

func (s *Store) ListTemplates(ctx context.Context) ([]domain.WorkflowTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,name,steps,created_at,updated_at FROM workflow_templates ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WorkflowTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

func validateTemplate(tpl domain.WorkflowTemplate) error {
	if err := domain.Validator().Struct(tpl); err != nil {
		return fmt.Errorf("%w: template: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(sc scanner) (domain.WorkflowTemplate, error) {
	var tpl domain.WorkflowTemplate
	var steps []byte
	var created, updated int64
	if err := sc.Scan(&tpl.ID, &tpl.Name, &steps, &created, &updated); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if err := json.Unmarshal(steps, &tpl.Steps); err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("decode steps of template %s: %w", tpl.ID, err)
	}
	tpl.CreatedAt, tpl.UpdatedAt = store.Time(created), store.Time(updated)
	return tpl, nil
}

// LoadTemplatesYAML decodes a list of templates. Delays use Go duration
// syntax ("90s", "24h").
func LoadTemplatesYAML(r io.Reader) ([]domain.WorkflowTemplate, error) {
	var doc struct {
		Templates []domain.WorkflowTemplate `yaml:"templates"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}
	for _, tpl := range doc.Templates {
		if err := validateTemplate(tpl); err != nil {
			return nil, fmt.Errorf("template %q: %w", tpl.Name, err)
		}
	}
	return doc.Templates, nil
}

// SeedTemplates creates every template whose id is not stored yet and returns
// how many were created.
func (s *Store) SeedTemplates(ctx context.Context, tpls []domain.WorkflowTemplate) (int, error) {
	created := 0
	for _, tpl := range tpls {
		if tpl.ID != "" {
			if _, err := s.GetTemplate(ctx, tpl.ID); err == nil {
				continue
			} else if !errors.Is(err, domain.ErrNotFound) {
				return created, err
			}
		}
		if _, err := s.CreateTemplate(ctx, tpl); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

const instanceColumns = `id,customer_id,template_id,account_id,start_time,next_step_time,status,created_at,updated_at`

// GetInstance loads an instance together with its step runs.
func (s *Store) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Instance{}, fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Instance{}, err
	}
	inst.Steps, err = loadSteps(ctx, s.db, id)
	return inst, err
}

func (s *Store) ListInstancesForCustomer(ctx context.Context, customerID string) ([]domain.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE customer_id=? ORDER BY created_at, id`, customerID)
	if err != nil {
		return nil, err
	}
	var out []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, inst)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Steps, err = loadSteps(ctx, s.db, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// openInstance returns the id of the customer's active or paused instance of
// the template.
func (s *Store) openInstance(ctx context.Context, customerID, templateID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
SELECT id FROM workflow_instances
WHERE customer_id=? AND template_id=? AND status IN ('active','paused')`, customerID, templateID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadSteps(ctx context.Context, q querier, instanceID string) ([]domain.StepRun, error) {
	rows, err := q.QueryContext(ctx, `
SELECT step_index,action,scheduled_time,status,params,retry_count,blocking,task_id,message
FROM step_runs WHERE instance_id=? ORDER BY step_index`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []domain.StepRun
	for rows.Next() {
		var st domain.StepRun
		var scheduled int64
		var params []byte
		if err := rows.Scan(&st.Index, &st.Action, &scheduled, &st.Status, &params,
			&st.RetryCount, &st.Blocking, &st.TaskID, &st.Message); err != nil {
			return nil, err
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &st.Params); err != nil {
				return nil, fmt.Errorf("decode params of step %d: %w", st.Index, err)
			}
		}
		st.ScheduledTime = store.Time(scheduled)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func scanInstance(sc scanner) (domain.Instance, error) {
	var inst domain.Instance
	var start, created, updated int64
	var next sql.NullInt64
	if err := sc.Scan(&inst.ID, &inst.CustomerID, &inst.TemplateID, &inst.AccountID, &start, &next,
		&inst.Status, &created, &updated); err != nil {
		return domain.Instance{}, err
	}
	inst.StartTime = store.Time(start)
	inst.NextStepTime = store.NullTime(next)
	inst.CreatedAt, inst.UpdatedAt = store.Time(created), store.Time(updated)
	return inst, nil
}

func insertInstance(ctx context.Context, tx *sql.Tx, inst domain.Instance, now int64) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO workflow_instances (`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		inst.ID, inst.CustomerID, inst.TemplateID, inst.AccountID, store.Millis(inst.StartTime),
		store.NullMillis(inst.NextStepTime), inst.Status, now, now)
	return err
}

func insertStep(ctx context.Context, tx *sql.Tx, instanceID string, st domain.StepRun, now int64) error {
	var params []byte
	if len(st.Params) > 0 {
		var err error
		if params, err = json.Marshal(st.Params); err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO step_runs (instance_id,step_index,action,scheduled_time,status,params,retry_count,blocking,task_id,message,updated_at)
VALUES (?,?,?,?,?,?,0,?,?,'',?)`,
		instanceID, st.Index, st.Action, store.Millis(st.ScheduledTime), st.Status, params, st.Blocking, st.TaskID, now)
	return err
}
