// Package api exposes enrollment, instance control, ad hoc tasks, quota resets
// and the supporting records over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"reachflow/internal/domain"
	"reachflow/internal/queue"
	"reachflow/internal/quota"
)

type Workflows interface {
	Enroll(ctx context.Context, customerID, templateID string) (string, error)
	Cancel(ctx context.Context, instanceID string) error
	Pause(ctx context.Context, instanceID string) error
	Resume(ctx context.Context, instanceID string) error
}

type Templates interface {
	CreateTemplate(ctx context.Context, tpl domain.WorkflowTemplate) (domain.WorkflowTemplate, error)
	UpdateTemplate(ctx context.Context, tpl domain.WorkflowTemplate) (domain.WorkflowTemplate, error)
	GetTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error)
	ListTemplates(ctx context.Context) ([]domain.WorkflowTemplate, error)
	GetInstance(ctx context.Context, id string) (domain.Instance, error)
	ListInstancesForCustomer(ctx context.Context, customerID string) ([]domain.Instance, error)
}

type Accounts interface {
	Create(ctx context.Context, a domain.Account) (domain.Account, error)
	Get(ctx context.Context, id string) (domain.Account, error)
	List(ctx context.Context) ([]domain.Account, error)
	SetStatus(ctx context.Context, id string, status domain.AccountStatus) error
	SetLimits(ctx context.Context, id string, hourly, daily int) error
}

type Customers interface {
	Create(ctx context.Context, c domain.Customer) (domain.Customer, error)
	FindCustomer(ctx context.Context, id string) (domain.Customer, error)
}

type Logs interface {
	ListByAccount(ctx context.Context, accountID string, limit int) ([]domain.ActionLog, error)
	ListByTask(ctx context.Context, taskID string) ([]domain.ActionLog, error)
}

// registrar is implemented by quota trackers that keep their own copy of the
// account limits.
type registrar interface {
	Register(ctx context.Context, a domain.Account) error
}

type Deps struct {
	Workflows Workflows
	Templates Templates
	Tasks     queue.Repository
	Tracker   quota.Tracker
	Accounts  Accounts
	Customers Customers
	Logs      Logs
	Log       zerolog.Logger
	Debug     bool
}

type Server struct {
	r *chi.Mux
	Deps
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	s := &Server{r: r, Deps: d}
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/enrollments", s.enroll)
		r.Get("/instances/{id}", s.getInstance)
		r.Post("/instances/{id}/cancel", s.instanceAction(s.Workflows.Cancel))
		r.Post("/instances/{id}/pause", s.instanceAction(s.Workflows.Pause))
		r.Post("/instances/{id}/resume", s.instanceAction(s.Workflows.Resume))

		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)

		r.Post("/quota/reset-hourly", s.resetQuota(s.Tracker.ResetHourly))
		r.Post("/quota/reset-daily", s.resetQuota(s.Tracker.ResetDaily))

		r.Post("/templates", s.createTemplate)
		r.Get("/templates", s.listTemplates)
		r.Get("/templates/{id}", s.getTemplate)
		r.Put("/templates/{id}", s.updateTemplate)

		r.Post("/accounts", s.createAccount)
		r.Get("/accounts", s.listAccounts)
		r.Get("/accounts/{id}", s.getAccount)
		r.Put("/accounts/{id}", s.updateAccount)
		r.Get("/accounts/{id}/logs", s.accountLogs)

		r.Post("/customers", s.createCustomer)
		r.Get("/customers/{id}", s.getCustomer)
		r.Get("/customers/{id}/instances", s.customerInstances)
	})

	// Debug routes (pprof)
	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("reachflow_up 1\n"))
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.Log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.As(err, &verrs):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyEnrolled), errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTemplateInUse):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
