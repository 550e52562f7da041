package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schemapilot/internal/bootstrap/logging"
	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
	"schemapilot/internal/usecase/pipeline"
)

const maxBodyBytes = 1 << 20

// Pipeline is the part of the pipeline service the API drives.
type Pipeline interface {
	Submit(ctx context.Context, input domain.ProposalInput) (string, error)
	Resubmit(ctx context.Context, previousID string, input domain.ProposalInput) (string, error)
	GetState(ctx context.Context, proposalID string) (pipeline.Detail, error)
	List(ctx context.Context, filter pipeline.ListFilter) ([]ports.LifecycleRecord, error)
	RecordDecision(ctx context.Context, proposalID string, input pipeline.DecisionInput) (pipeline.DecisionResult, error)
	Abort(ctx context.Context, proposalID string, input pipeline.AbortInput) (domain.State, error)
	Calibration(ctx context.Context) (pipeline.CalibrationStatus, error)
	Recalibrate(ctx context.Context, actor string, dryRun bool) (pipeline.Recalibration, error)
}

type Server struct {
	svc      Pipeline
	gatherer prometheus.Gatherer
}

func NewServer(svc Pipeline, gatherer prometheus.Gatherer) *Server {
	return &Server{svc: svc, gatherer: gatherer}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/proposals", s.submit)
		r.Get("/proposals", s.list)
		r.Get("/proposals/{id}", s.state)
		r.Post("/proposals/{id}/resubmit", s.resubmit)
		r.Post("/proposals/{id}/decisions", s.decide)
		r.Post("/proposals/{id}/abort", s.abort)
		r.Get("/calibration", s.calibration)
		r.Post("/calibration/recalibrate", s.recalibrate)
	})
	return r
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var input domain.ProposalInput
	if !decodeBody(w, r, &input) {
		return
	}
	id, err := s.svc.Submit(r.Context(), input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"proposal_id": id, "state": string(domain.StateProposed)})
}

func (s *Server) resubmit(w http.ResponseWriter, r *http.Request) {
	var input domain.ProposalInput
	if !decodeBody(w, r, &input) {
		return
	}
	id, err := s.svc.Resubmit(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"proposal_id": id, "state": string(domain.StateProposed)})
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.GetState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewDetailView(detail))
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := pipeline.ListFilter{
		States:        splitList(q["state"]),
		TargetVersion: strings.TrimSpace(q.Get("version")),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeMessage(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	items, err := s.svc.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]LifecycleView, 0, len(items))
	for _, item := range items {
		views = append(views, NewLifecycleView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": views})
}

type decisionRequest struct {
	Reviewer string `json:"reviewer"`
	Role     string `json:"role"`
	Verdict  string `json:"verdict"`
	Comment  string `json:"comment"`
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.svc.RecordDecision(r.Context(), chi.URLParam(r, "id"), pipeline.DecisionInput{
		Reviewer: req.Reviewer,
		Role:     req.Role,
		Verdict:  req.Verdict,
		Comment:  req.Comment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approval":      result.Approval,
		"state":         result.State,
		"missing_roles": result.MissingRoles,
	})
}

type abortRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if !decodeBody(w, r, &req) {
		return
	}
	state, err := s.svc.Abort(r.Context(), chi.URLParam(r, "id"), pipeline.AbortInput{Actor: req.Actor, Reason: req.Reason})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"state": string(state)})
}

func (s *Server) calibration(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Calibration(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"weights":     NewWeightsView(status.Weights),
		"pending":     status.Pending,
		"min_records": status.MinRecords,
	})
}

func (s *Server) recalibrate(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	actor := strings.TrimSpace(r.URL.Query().Get("actor"))
	result, err := s.svc.Recalibrate(r.Context(), actor, dryRun)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if dryRun {
		status = http.StatusOK
	}
	writeJSON(w, status, NewRecalibrationView(result))
}

// StatusFor maps a taxonomy code to an HTTP status.
func StatusFor(err error) int {
	switch errs.CodeOf(err) {
	case domain.CodeProposalNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidProposal:
		return http.StatusUnprocessableEntity
	case domain.CodeInvalidTransition, domain.CodeApprovalClosed, domain.CodeConcurrentDeployment, domain.CodeRunnerBusy:
		return http.StatusConflict
	case domain.CodeInsufficientFeedback:
		return http.StatusPreconditionFailed
	case domain.CodeApprovalTimeout:
		return http.StatusGone
	case domain.CodeSandboxProvision, domain.CodeHealthCheckUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeReplayTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeSchemaCompilation:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	ExitCode int    `json:"exit_code"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Error(
			logging.WithAttrs(r.Context(), slog.String("component", "transport.httpapi")),
			"request failed",
			slog.String("path", r.URL.Path),
			slog.Any("err", errs.Loggable(err)),
		)
	}
	code := errs.CodeOf(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code, ExitCode: domain.ExitCode(code)})
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, ExitCode: 1})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		writeMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithAttrs(r.Context(),
			slog.String("component", "transport.httpapi"),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		logging.Debug(ctx, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(started)),
		)
	})
}
