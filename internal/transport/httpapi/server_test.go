package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/ports"
	"schemapilot/internal/usecase/pipeline"
)

type fakePipeline struct {
	submitted  []domain.ProposalInput
	decisions  []pipeline.DecisionInput
	listFilter pipeline.ListFilter
	dryRun     bool
	err        error
}

func (f *fakePipeline) Submit(_ context.Context, input domain.ProposalInput) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.submitted = append(f.submitted, input)
	return "p-1", nil
}

func (f *fakePipeline) Resubmit(_ context.Context, previousID string, _ domain.ProposalInput) (string, error) {
	if previousID != "p-1" {
		return "", fmt.Errorf("%w: %s", domain.ErrProposalNotFound, previousID)
	}
	return "p-2", nil
}

func (f *fakePipeline) GetState(_ context.Context, proposalID string) (pipeline.Detail, error) {
	if proposalID != "p-1" {
		return pipeline.Detail{}, fmt.Errorf("%w: %s", domain.ErrProposalNotFound, proposalID)
	}
	score := 54.0
	return pipeline.Detail{
		Proposal:     domain.Proposal{ID: "p-1", TargetVersion: "v1", Kind: domain.KindDeprecateEntity},
		State:        domain.StatePendingApproval,
		RiskScore:    &score,
		RiskLevel:    "medium",
		MissingRoles: []string{"lead-engineer"},
		Report:       &domain.ImpactReport{ID: 3, Verdict: domain.VerdictBreaking, RiskScore: 54, RiskLevel: domain.RiskMedium},
		Policy:       &domain.Policy{Level: domain.RiskMedium, Required: 2, RequiredRoles: []string{"ontology-admin", "lead-engineer"}},
		History: []ports.TransitionRecord{
			{ToState: "proposed", Actor: "pipeline", CreatedAt: "2026-01-01T00:00:00.000000000Z"},
		},
	}, nil
}

func (f *fakePipeline) List(_ context.Context, filter pipeline.ListFilter) ([]ports.LifecycleRecord, error) {
	f.listFilter = filter
	return []ports.LifecycleRecord{{ProposalID: "p-1", TargetVersion: "v1", State: "proposed"}}, nil
}

func (f *fakePipeline) RecordDecision(_ context.Context, _ string, input pipeline.DecisionInput) (pipeline.DecisionResult, error) {
	if f.err != nil {
		return pipeline.DecisionResult{}, f.err
	}
	f.decisions = append(f.decisions, input)
	return pipeline.DecisionResult{Approval: domain.ApprovalPending, State: domain.StatePendingApproval, MissingRoles: []string{"lead-engineer"}}, nil
}

func (f *fakePipeline) Abort(context.Context, string, pipeline.AbortInput) (domain.State, error) {
	return domain.StateDeploying, f.err
}

func (f *fakePipeline) Calibration(context.Context) (pipeline.CalibrationStatus, error) {
	return pipeline.CalibrationStatus{Weights: ports.RiskWeightsRecord{Version: 1, Breaking: 0.4}, Pending: 3, MinRecords: 10}, nil
}

func (f *fakePipeline) Recalibrate(_ context.Context, _ string, dryRun bool) (pipeline.Recalibration, error) {
	f.dryRun = dryRun
	if f.err != nil {
		return pipeline.Recalibration{}, f.err
	}
	return pipeline.Recalibration{DryRun: dryRun, Records: 10}, nil
}

func serve(t *testing.T, h http.Handler, method string, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAccepted(t *testing.T) {
	fake := &fakePipeline{}
	h := NewServer(fake, nil).Handler()

	rec := serve(t, h, http.MethodPost, "/v1/proposals", `{"target_version":"v1","kind":"add-index","payload":{"statements":["X"]}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"proposal_id":"p-1","state":"proposed"}`, rec.Body.String())
	require.Len(t, fake.submitted, 1)
	assert.Equal(t, domain.KindAddIndex, fake.submitted[0].Kind)
}

func TestSubmitRejectsUnknownFields(t *testing.T) {
	h := NewServer(&fakePipeline{}, nil).Handler()
	rec := serve(t, h, http.MethodPost, "/v1/proposals", `{"target":"v1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorsCarryTaxonomyCode(t *testing.T) {
	fake := &fakePipeline{err: fmt.Errorf("%w: proposal p-1 is rejected", domain.ErrApprovalClosed)}
	h := NewServer(fake, nil).Handler()

	rec := serve(t, h, http.MethodPost, "/v1/proposals/p-1/decisions", `{"reviewer":"carol","verdict":"approve"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.CodeApprovalClosed, body.Code)
	assert.Equal(t, 23, body.ExitCode)
}

func TestGetStateAndNotFound(t *testing.T) {
	h := NewServer(&fakePipeline{}, nil).Handler()

	rec := serve(t, h, http.MethodGet, "/v1/proposals/p-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view DetailView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "pending_approval", view.State)
	assert.Equal(t, []string{"ontology-admin", "lead-engineer"}, view.RequiredRoles)
	assert.Equal(t, []string{"lead-engineer"}, view.MissingRoles)
	require.NotNil(t, view.Report)
	assert.Equal(t, "breaking", view.Report.Verdict)
	require.Len(t, view.History, 1)

	rec = serve(t, h, http.MethodGet, "/v1/proposals/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListParsesFilters(t *testing.T) {
	fake := &fakePipeline{}
	h := NewServer(fake, nil).Handler()

	rec := serve(t, h, http.MethodGet, "/v1/proposals?state=proposed,approved&state=deploying&version=v1&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"proposed", "approved", "deploying"}, fake.listFilter.States)
	assert.Equal(t, "v1", fake.listFilter.TargetVersion)
	assert.Equal(t, 5, fake.listFilter.Limit)

	rec = serve(t, h, http.MethodGet, "/v1/proposals?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAbortAllowsEmptyBody(t *testing.T) {
	h := NewServer(&fakePipeline{}, nil).Handler()
	rec := serve(t, h, http.MethodPost, "/v1/proposals/p-1/abort", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"state":"deploying"}`, rec.Body.String())
}

func TestRecalibrate(t *testing.T) {
	fake := &fakePipeline{}
	h := NewServer(fake, nil).Handler()

	rec := serve(t, h, http.MethodPost, "/v1/calibration/recalibrate?dry_run=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, fake.dryRun)

	fake.err = domain.ErrInsufficientFeedback
	rec = serve(t, h, http.MethodPost, "/v1/calibration/recalibrate", "")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "schemapilot_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	h := NewServer(&fakePipeline{}, reg).Handler()

	rec := serve(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "schemapilot_test_total 1")
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		domain.ErrSandboxProvision:     http.StatusServiceUnavailable,
		domain.ErrReplayTimeout:        http.StatusGatewayTimeout,
		domain.ErrSchemaCompilation:    http.StatusBadGateway,
		domain.ErrInvalidProposal:      http.StatusUnprocessableEntity,
		domain.ErrConcurrentDeployment: http.StatusConflict,
		fmt.Errorf("boom"):             http.StatusInternalServerError,
		context.Canceled:               http.StatusServiceUnavailable,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusFor(err), err.Error())
	}
}
