package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"reachflow/internal/domain"
	"reachflow/internal/quota"
)

type enrollReq struct {
	CustomerID string `json:"customer_id" validate:"required"`
	TemplateID string `json:"template_id" validate:"required"`
}

func (s *Server) enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollReq
	if !decode(w, r, &req) {
		return
	}
	if err := domain.Validator().Struct(req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.Workflows.Enroll(r.Context(), req.CustomerID, req.TemplateID)
	if errors.Is(err, domain.ErrAlreadyEnrolled) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "instance_id": id})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"instance_id": id})
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.Templates.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) instanceAction(fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
		s.getInstance(w, r)
	}
}

type submitReq struct {
	Action         domain.ActionType  `json:"action" validate:"required,action"`
	Payload        domain.TaskPayload `json:"payload"`
	RunAt          *time.Time         `json:"run_at"`
	IdempotencyKey *string            `json:"idempotency_key" validate:"omitempty,min=1,max=200"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if !decode(w, r, &req) {
		return
	}
	if err := domain.Validator().Struct(req); err != nil {
		s.fail(w, r, err)
		return
	}
	switch {
	case req.Payload.AccountID == "":
		writeError(w, http.StatusBadRequest, "payload.account_id is required")
		return
	case req.Payload.Target == "" && req.Payload.CustomerID == "":
		writeError(w, http.StatusBadRequest, "payload needs a target or a customer_id")
		return
	case req.Payload.IsStep():
		writeError(w, http.StatusBadRequest, "workflow steps are scheduled by enrollment")
		return
	}

	task := domain.Task{ActionType: req.Action, Payload: req.Payload, IdempotencyKey: req.IdempotencyKey}
	if req.RunAt != nil {
		task.ScheduledFor = *req.RunAt
	}
	id, existed, err := s.Tasks.Enqueue(r.Context(), task)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if existed {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "duplicate": true})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

type taskView struct {
	ID             string             `json:"id"`
	Action         domain.ActionType  `json:"action"`
	Payload        domain.TaskPayload `json:"payload"`
	State          domain.TaskState   `json:"state"`
	ScheduledFor   time.Time          `json:"scheduled_for"`
	Claimed        bool               `json:"claimed"`
	RetryCount     int                `json:"retry_count"`
	MaxRetries     int                `json:"max_retries"`
	ResultMessage  string             `json:"result_message,omitempty"`
	IdempotencyKey *string            `json:"idempotency_key,omitempty"`
	Logs           []domain.ActionLog `json:"logs,omitempty"`
}

func viewTask(t domain.Task) taskView {
	return taskView{
		ID: t.ID, Action: t.ActionType, Payload: t.Payload, State: t.State,
		ScheduledFor: t.ScheduledFor, Claimed: t.ProcessingID != nil,
		RetryCount: t.RetryCount, MaxRetries: t.MaxRetries, ResultMessage: t.ResultMessage,
		IdempotencyKey: t.IdempotencyKey,
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	v := viewTask(t)
	if v.Logs, err = s.Logs.ListByTask(r.Context(), t.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.Tasks.ListRecent(r.Context(), limit(r, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewTask(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func limit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}

func (s *Server) resetQuota(fn func(ctx context.Context) (quota.ResetReport, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := fn(r.Context())
		if err != nil {
			s.Log.Error().Err(err).Int("failed", report.Failed).Msg("quota reset incomplete")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"report": report, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"report": report})
	}
}

type stepReq struct {
	Action   domain.ActionType `json:"action"`
	Delay    string            `json:"delay"`
	Params   map[string]string `json:"params"`
	Blocking bool              `json:"blocking"`
}

type templateReq struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Steps []stepReq `json:"steps"`
}

func (req templateReq) template() (domain.WorkflowTemplate, error) {
	tpl := domain.WorkflowTemplate{ID: req.ID, Name: req.Name}
	for i, st := range req.Steps {
		var delay time.Duration
		if st.Delay != "" {
			var err error
			if delay, err = time.ParseDuration(st.Delay); err != nil {
				return tpl, fmt.Errorf("%w: step %d delay: %v", domain.ErrInvalidInput, i, err)
			}
		}
		tpl.Steps = append(tpl.Steps, domain.Step{Action: st.Action, Delay: delay, Params: st.Params, Blocking: st.Blocking})
	}
	return tpl, nil
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateReq
	if !decode(w, r, &req) {
		return
	}
	tpl, err := req.template()
	if err == nil {
		tpl, err = s.Templates.CreateTemplate(r.Context(), tpl)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateReq
	if !decode(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "id")
	tpl, err := req.template()
	if err == nil {
		tpl, err = s.Templates.UpdateTemplate(r.Context(), tpl)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.Templates.ListTemplates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tpls == nil {
		tpls = []domain.WorkflowTemplate{}
	}
	writeJSON(w, http.StatusOK, tpls)
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.Templates.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

type accountReq struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	HourlyLimit int    `json:"hourly_limit"`
	DailyLimit  int    `json:"daily_limit"`
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req accountReq
	if !decode(w, r, &req) {
		return
	}
	a, err := s.Accounts.Create(r.Context(), domain.Account{
		ID: req.ID, Name: req.Name,
		Quota: domain.Quota{HourlyLimit: req.HourlyLimit, DailyLimit: req.DailyLimit},
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.register(r.Context(), a); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// register refreshes trackers that keep their own copy of status and limits.
func (s *Server) register(ctx context.Context, a domain.Account) error {
	reg, ok := s.Tracker.(registrar)
	if !ok {
		return nil
	}
	return reg.Register(ctx, a)
}

type accountUpdateReq struct {
	Status      *domain.AccountStatus `json:"status" validate:"omitempty,oneof=active inactive"`
	HourlyLimit *int                  `json:"hourly_limit" validate:"omitempty,gte=0"`
	DailyLimit  *int                  `json:"daily_limit" validate:"omitempty,gte=0"`
}

func (s *Server) updateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountUpdateReq
	if !decode(w, r, &req) {
		return
	}
	if err := domain.Validator().Struct(req); err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, id := r.Context(), chi.URLParam(r, "id")
	a, err := s.Accounts.Get(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Status != nil {
		if err := s.Accounts.SetStatus(ctx, id, *req.Status); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if req.HourlyLimit != nil || req.DailyLimit != nil {
		hourly, daily := a.Quota.HourlyLimit, a.Quota.DailyLimit
		if req.HourlyLimit != nil {
			hourly = *req.HourlyLimit
		}
		if req.DailyLimit != nil {
			daily = *req.DailyLimit
		}
		if err := s.Accounts.SetLimits(ctx, id, hourly, daily); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if a, err = s.Accounts.Get(ctx, id); err == nil {
		err = s.register(ctx, a)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.Accounts.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.Accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) accountLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.Logs.ListByAccount(r.Context(), chi.URLParam(r, "id"), limit(r, 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []domain.ActionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

type customerReq struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Phone     string `json:"phone" validate:"required_without=UID"`
	UID       string `json:"uid"`
	AccountID string `json:"account_id" validate:"required"`
}

func (s *Server) createCustomer(w http.ResponseWriter, r *http.Request) {
	var req customerReq
	if !decode(w, r, &req) {
		return
	}
	if err := domain.Validator().Struct(req); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.Accounts.Get(r.Context(), req.AccountID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = fmt.Errorf("%w: account %s does not exist", domain.ErrInvalidInput, req.AccountID)
		}
		s.fail(w, r, err)
		return
	}
	c, err := s.Customers.Create(r.Context(), domain.Customer{
		ID: req.ID, Name: req.Name, Phone: req.Phone, UID: req.UID, AccountID: req.AccountID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) getCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := s.Customers.FindCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) customerInstances(w http.ResponseWriter, r *http.Request) {
	list, err := s.Templates.ListInstancesForCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Instance{}
	}
	writeJSON(w, http.StatusOK, list)
}
