// Package api exposes the HTTP interface for the promotion service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcascade/internal/config"
	"github.com/JakeFAU/linkcascade/internal/coordinator"
	"github.com/JakeFAU/linkcascade/internal/metrics"
	"github.com/JakeFAU/linkcascade/internal/promotion"
	"github.com/JakeFAU/linkcascade/internal/report"
)

// Runs is the coordinator surface the handlers drive.
type Runs interface {
	Create(ctx context.Context, req coordinator.CreateRequest) (promotion.Run, error)
	Start(ctx context.Context, runID string) (coordinator.Status, error)
	Cancel(ctx context.Context, runID string) (coordinator.Status, error)
	Status(ctx context.Context, runID string) (coordinator.Status, error)
	Report(ctx context.Context, runID string) (report.Document, error)
	Latest(ctx context.Context, projectID, targetURL, linkID string) (promotion.Run, error)
}

// Projects reports whether a URL belongs to a project.
type Projects interface {
	Owns(ctx context.Context, projectID, targetURL string) (bool, error)
}

// Billing charges a project before a run is created. A *FundsError is relayed
// to the caller as INSUFFICIENT_FUNDS.
type Billing interface {
	Charge(ctx context.Context, projectID, targetURL string, amount float64) error
}

// Options wires the Server. Projects, Billing and Ready may be nil.
type Options struct {
	Runs           Runs
	Projects       Projects
	Billing        Billing
	Auth           config.AuthConfig
	RequestTimeout time.Duration
	Ready          func(ctx context.Context) error
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the run coordinator.
type Server struct {
	router   chi.Router
	runs     Runs
	projects Projects
	billing  Billing
	ready    func(ctx context.Context) error
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	metrics.Init()
	s := &Server{
		runs:     opts.Runs,
		projects: opts.Projects,
		billing:  opts.Billing,
		ready:    opts.Ready,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if mw := authMiddleware(opts.Auth); mw != nil {
			r.Use(mw)
		}
		r.Post("/promote", s.promote)
		r.Get("/status", s.status)
		r.Get("/report", s.report)
		r.Post("/cancel", s.cancel)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) promote(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, failure{Error: promotion.CodeInvalidRequest, Message: "invalid JSON"})
		return
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.URL = strings.TrimSpace(req.URL)
	if req.ProjectID == "" || req.URL == "" {
		writeFailure(w, http.StatusBadRequest, failure{
			Error:   promotion.CodeInvalidRequest,
			Message: "project_id and url are required",
		})
		return
	}
	ctx := r.Context()

	if s.projects != nil {
		ok, err := s.projects.Owns(ctx, req.ProjectID, req.URL)
		if err != nil {
			s.fail(w, err)
			return
		}
		if !ok {
			writeFailure(w, http.StatusForbidden, failure{Error: CodeURLNotInProject})
			return
		}
	}
	if s.billing != nil {
		if err := s.billing.Charge(ctx, req.ProjectID, req.URL, req.ChargeAmount); err != nil {
			s.fail(w, err)
			return
		}
	}

	run, err := s.runs.Create(ctx, coordinator.CreateRequest{
		ProjectID: req.ProjectID,
		TargetURL: req.URL,
		LinkID:    req.LinkID,
		Anchor:    req.Anchor,
		Language:  req.Language,
		Wish:      req.Wish,
		TestMode:  req.TestMode,
		Tags:      req.Tags,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	st, err := s.runs.Start(ctx, run.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, promoteResponse{
		OK:        true,
		RunID:     st.Run.ID,
		Status:    st.Summary.Status,
		Stage:     st.Summary.Stage,
		Target:    st.Summary.Target,
		Done:      st.Summary.Done,
		TargetURL: st.Run.TargetURL,
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runID, err := s.resolveRun(r.Context(), q.Get("project_id"), q.Get("run_id"), q.Get("url"), q.Get("link_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	st, err := s.runs.Status(r.Context(), runID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !sameProject(q.Get("project_id"), st.Run) {
		s.fail(w, promotion.ErrRunNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(st))
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runID, err := s.resolveRun(r.Context(), q.Get("project_id"), q.Get("run_id"), q.Get("url"), q.Get("link_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	st, err := s.runs.Status(r.Context(), runID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !sameProject(q.Get("project_id"), st.Run) {
		s.fail(w, promotion.ErrRunNotFound)
		return
	}
	doc, err := s.runs.Report(r.Context(), runID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.URL.Query().Get("run_id"))
	if runID == "" {
		writeFailure(w, http.StatusBadRequest, failure{Error: promotion.CodeInvalidRequest, Message: "run_id is required"})
		return
	}
	st, err := s.runs.Cancel(r.Context(), runID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{OK: true, RunID: runID, Status: st.Run.Status})
}

// resolveRun picks the explicit run id or the newest run for the project's url/link.
func (s *Server) resolveRun(ctx context.Context, projectID, runID, targetURL, linkID string) (string, error) {
	if runID = strings.TrimSpace(runID); runID != "" {
		return runID, nil
	}
	projectID = strings.TrimSpace(projectID)
	targetURL = strings.TrimSpace(targetURL)
	linkID = strings.TrimSpace(linkID)
	if projectID == "" || (targetURL == "" && linkID == "") {
		return "", &promotion.RunError{Code: promotion.CodeInvalidRequest}
	}
	run, err := s.runs.Latest(ctx, projectID, targetURL, linkID)
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func sameProject(projectID string, run promotion.Run) bool {
	projectID = strings.TrimSpace(projectID)
	return projectID == "" || projectID == run.ProjectID
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	var funds *FundsError
	if errors.As(err, &funds) {
		writeFailure(w, http.StatusPaymentRequired, failure{
			Error:     CodeInsufficientFunds,
			Required:  &funds.Required,
			Balance:   &funds.Balance,
			Shortfall: &funds.Shortfall,
		})
		return
	}
	code := promotion.ErrorCode(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		code = promotion.CodeInternal
	}
	f := failure{Error: code}
	var re *promotion.RunError
	if errors.As(err, &re) {
		f.RunID = re.RunID
	}
	writeFailure(w, status, f)
}

func statusFor(code string) int {
	switch code {
	case promotion.CodeInvalidRequest:
		return http.StatusBadRequest
	case promotion.CodeRunNotFound:
		return http.StatusNotFound
	case promotion.CodeRunActive, promotion.CodeRunAlreadyTerminal:
		return http.StatusConflict
	case promotion.CodeLevel1Disabled, promotion.CodeNoEligibleAdapters:
		return http.StatusUnprocessableEntity
	case CodeURLNotInProject:
		return http.StatusForbidden
	case promotion.CodeQueueUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeFailure(w http.ResponseWriter, status int, f failure) {
	writeJSON(w, status, f)
}
