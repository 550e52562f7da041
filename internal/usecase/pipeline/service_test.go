package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/ports"
)

func TestSafeProposalIsAutoApprovedWithoutDecisions(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "v1", domain.KindMergeEntities)

	report := h.tick(t)
	assert.Equal(t, 1, report.Simulated)
	h.svc.Wait()

	detail := h.state(t, id)
	require.NotNil(t, detail.Report)
	assert.Equal(t, domain.RiskSafe, detail.Report.RiskLevel)
	assert.InDelta(t, 18.0, detail.Report.RiskScore, 0.001)
	assert.Empty(t, detail.Decisions)

	var approvedBy string
	for _, tr := range detail.History {
		if tr.ToState == string(domain.StateApproved) {
			approvedBy = tr.Actor
		}
	}
	assert.Equal(t, actorRouter, approvedBy)
	assert.Equal(t, domain.StateMonitoring, detail.State)
	assert.NotContains(t, h.notifier.kinds(), EventApprovalRequested)
}

func TestRejectionShortCircuitsApproval(t *testing.T) {
	h := newHarness(t)
	h.executor.breakOnApply = true
	id := h.submit(t, "v1", domain.KindDeprecateEntity)

	h.tick(t)
	detail := h.state(t, id)
	require.Equal(t, domain.StatePendingApproval, detail.State)
	require.NotNil(t, detail.Report)
	assert.Equal(t, domain.RiskMedium, detail.Report.RiskLevel)
	assert.InDelta(t, 54.0, detail.Report.RiskScore, 0.001)
	assert.Equal(t, domain.VerdictBreaking, detail.Report.Verdict)

	require.Equal(t, []string{EventApprovalRequested}, h.notifier.kinds())
	var payload approvalRequest
	require.NoError(t, json.Unmarshal(h.notifier.published[0].Payload, &payload))
	assert.Equal(t, 2, payload.RequiredApprovals)
	assert.Equal(t, []string{"ontology-admin", "lead-engineer"}, payload.RequiredRoles)
	assert.Equal(t, 2, payload.QueriesSampled)

	ctx := context.Background()
	result, err := h.svc.RecordDecision(ctx, id, DecisionInput{Reviewer: "alice", Role: "ontology-admin", Verdict: "approve"})
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, result.Approval)
	assert.Equal(t, []string{"lead-engineer"}, result.MissingRoles)

	result, err = h.svc.RecordDecision(ctx, id, DecisionInput{Reviewer: "bob", Role: "lead-engineer", Verdict: "reject", Comment: "breaks person search"})
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, result.Approval)

	detail = h.state(t, id)
	assert.Equal(t, domain.StateRejected, detail.State)
	assert.Equal(t, "rejected by bob: breaks person search", detail.Reason)

	_, err = h.svc.RecordDecision(ctx, id, DecisionInput{Reviewer: "carol", Role: "lead-engineer", Verdict: "approve"})
	assert.ErrorIs(t, err, domain.ErrApprovalClosed)
}

func TestRepeatedDecisionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.executor.breakOnApply = true
	id := h.submit(t, "v1", domain.KindDeprecateEntity)
	h.tick(t)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		result, err := h.svc.RecordDecision(ctx, id, DecisionInput{Reviewer: "alice", Role: "ontology-admin", Verdict: "approve"})
		require.NoError(t, err)
		assert.Equal(t, domain.ApprovalPending, result.Approval)
	}
	assert.Len(t, h.state(t, id).Decisions, 1)

	result, err := h.svc.RecordDecision(ctx, id, DecisionInput{Reviewer: "carol", Role: "lead-engineer", Verdict: "approve"})
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalGranted, result.Approval)
	assert.Equal(t, domain.StateApproved, h.state(t, id).State)
}

func TestRecordDecisionBeforeSimulation(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "v1", domain.KindAddIndex)

	_, err := h.svc.RecordDecision(context.Background(), id, DecisionInput{Reviewer: "alice", Verdict: "approve"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.svc.RecordDecision(context.Background(), id, DecisionInput{Reviewer: "alice", Verdict: "maybe"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRollbackRevertsTrafficToPriorStageBeforeSchema(t *testing.T) {
	h := newHarness(t)
	h.health.degradeAt = 25
	id := h.submit(t, "v1", domain.KindAddIndex)

	h.tick(t)
	h.svc.Wait()

	detail := h.state(t, id)
	require.Equal(t, domain.StateRolledBack, detail.State)
	assert.Contains(t, detail.Reason, "error-rate delta")
	require.NotNil(t, detail.Deployment)
	assert.Equal(t, string(domain.OutcomeRolledBack), detail.Deployment.Outcome)
	assert.Equal(t, 5, detail.Deployment.Stage)
	require.NotEmpty(t, detail.Deployment.TrafficRevertedAt)
	require.NotEmpty(t, detail.Deployment.SchemaRevertedAt)
	assert.LessOrEqual(t, detail.Deployment.TrafficRevertedAt, detail.Deployment.SchemaRevertedAt)
	assert.NotEmpty(t, detail.Samples)

	applies, reverts := h.compiler.counts()
	assert.Equal(t, 1, applies)
	assert.Equal(t, 1, reverts)

	h.tick(t)
	assert.Contains(t, h.notifier.kinds(), EventIncidentRollback)
}

func TestFeedbackIsProducedOnceAfterDelay(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "v1", domain.KindAddIndex)

	h.tick(t)
	h.svc.Wait()
	require.Equal(t, domain.StateMonitoring, h.state(t, id).State)

	report := h.tick(t)
	assert.Zero(t, report.FeedbackCollected)

	h.shiftClock(8 * 24 * time.Hour)
	report = h.tick(t)
	assert.Equal(t, 1, report.FeedbackCollected)

	detail := h.state(t, id)
	assert.Equal(t, domain.StateClosed, detail.State)
	require.NotNil(t, detail.Feedback)
	assert.InDelta(t, 0.0, detail.Feedback.ObservedDelta, 1e-9)
	assert.Equal(t, string(domain.OutcomeSucceeded), detail.Deployment.Outcome)
	assert.Equal(t, 100, detail.Deployment.Stage)

	report = h.tick(t)
	assert.Zero(t, report.FeedbackCollected)
}

func TestSandboxExhaustionFailsSimulation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	held, err := h.sandboxes.Acquire(ctx, "")
	require.NoError(t, err)
	defer func() { _ = h.sandboxes.Release(ctx, held) }()

	id := h.submit(t, "v1", domain.KindAddIndex)
	report := h.tick(t)
	assert.Equal(t, 1, report.SimulationFailed)

	detail := h.state(t, id)
	assert.Equal(t, domain.StateSimulationFailed, detail.State)
	assert.Contains(t, detail.Reason, domain.ErrSandboxProvision.Error())
	assert.Nil(t, detail.Report)
}

func TestOneDeploymentPerVersion(t *testing.T) {
	h := newHarness(t)
	first := h.submit(t, "v1", domain.KindAddIndex)
	second := h.submit(t, "v1", domain.KindAddIndex)
	other := h.submit(t, "v2", domain.KindAddIndex)

	report := h.tick(t)
	assert.Equal(t, 3, report.Simulated)
	assert.Equal(t, 2, report.DeploysStarted)
	assert.Equal(t, 1, report.DeploysDeferred)

	ctx := context.Background()
	holders, err := h.repo.CountSlotHolders(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), holders)

	h.svc.Wait()
	assert.Equal(t, domain.StateMonitoring, h.state(t, first).State)
	assert.Equal(t, domain.StateMonitoring, h.state(t, other).State)

	// Monitoring still holds the slot.
	report = h.tick(t)
	assert.Equal(t, 1, report.DeploysDeferred)
	assert.Equal(t, domain.StateApproved, h.state(t, second).State)
}

func TestPendingApprovalExpires(t *testing.T) {
	h := newHarness(t)
	h.executor.breakOnApply = true
	id := h.submit(t, "v1", domain.KindDeprecateEntity)
	h.tick(t)

	h.shiftClock(49 * time.Hour)
	report := h.tick(t)
	assert.Equal(t, 1, report.Expired)

	detail := h.state(t, id)
	assert.Equal(t, domain.StateRejected, detail.State)
	assert.Equal(t, "approval timeout", detail.Reason)
}

func TestAbortWithdrawsApprovedProposal(t *testing.T) {
	h := newHarness(t)
	h.executor.breakOnApply = true
	id := h.submit(t, "v1", domain.KindDeprecateEntity)
	h.tick(t)

	ctx := context.Background()
	_, err := h.svc.RecordDecision(ctx, id, DecisionInput{Reviewer: "alice", Role: "ontology-admin", Verdict: "approve"})
	require.NoError(t, err)
	_, err = h.svc.RecordDecision(ctx, id, DecisionInput{Reviewer: "carol", Role: "lead-engineer", Verdict: "approve"})
	require.NoError(t, err)

	state, err := h.svc.Abort(ctx, id, AbortInput{Actor: "ops", Reason: "freeze"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, state)
	assert.Equal(t, "withdrawn by ops: freeze", h.state(t, id).Reason)

	_, err = h.svc.Abort(ctx, id, AbortInput{Actor: "ops"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAbortStopsActiveDeployment(t *testing.T) {
	h := newHarness(t, withDwell(time.Second))
	id := h.submit(t, "v1", domain.KindAddIndex)

	report := h.tick(t)
	require.Equal(t, 1, report.DeploysStarted)

	state, err := h.svc.Abort(context.Background(), id, AbortInput{Actor: "ops", Reason: "pager"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateDeploying, state)
	h.svc.Wait()

	detail := h.state(t, id)
	assert.Equal(t, domain.StateRolledBack, detail.State)
	assert.Equal(t, "aborted by ops: pager", detail.Reason)
	assert.Equal(t, 0, detail.Deployment.Stage)

	_, err = h.repo.GetPendingAbort(context.Background(), id)
	assert.ErrorIs(t, err, ports.ErrRecordNotFound)
}

func TestAbortRevertsMonitoringProposal(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "v1", domain.KindAddIndex)
	h.tick(t)
	h.svc.Wait()
	succeeded := h.state(t, id).Deployment
	require.NotNil(t, succeeded)

	state, err := h.svc.Abort(context.Background(), id, AbortInput{Actor: "ops", Reason: "regression report"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateMonitoring, state)

	report := h.tick(t)
	assert.Equal(t, 1, report.Reverted)

	detail := h.state(t, id)
	assert.Equal(t, domain.StateRolledBack, detail.State)
	assert.Equal(t, "aborted by ops: regression report", detail.Reason)
	assert.Equal(t, 0, h.router.stage("v1"))
	assert.Equal(t, 0, detail.Deployment.Stage)
	assert.Equal(t, succeeded.Attempt+1, detail.Deployment.Attempt)
	assert.Equal(t, string(domain.OutcomeRolledBack), detail.Deployment.Outcome)

	closed, err := h.repo.GetDeployment(context.Background(), succeeded.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, *succeeded, closed)
}

func TestResubmitOnlyFromFailedTerminals(t *testing.T) {
	h := newHarness(t)
	h.executor.breakOnApply = true
	ctx := context.Background()
	id := h.submit(t, "v1", domain.KindDeprecateEntity)

	_, err := h.svc.Resubmit(ctx, id, proposalInput("v1", domain.KindDeprecateEntity))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	h.tick(t)
	_, err = h.svc.RecordDecision(ctx, id, DecisionInput{Reviewer: "bob", Role: "lead-engineer", Verdict: "reject"})
	require.NoError(t, err)

	next, err := h.svc.Resubmit(ctx, id, proposalInput("v1", domain.KindAddIndex))
	require.NoError(t, err)
	detail := h.state(t, next)
	assert.Equal(t, id, detail.Proposal.ResubmissionOf)
	assert.Equal(t, domain.StateProposed, detail.State)

	_, err = h.svc.Resubmit(ctx, "missing", proposalInput("v1", domain.KindAddIndex))
	assert.ErrorIs(t, err, domain.ErrProposalNotFound)
}

func TestSubmitValidatesInput(t *testing.T) {
	h := newHarness(t)
	in := proposalInput("v1", domain.KindAddIndex)
	in.Payload.Statements = nil

	_, err := h.svc.Submit(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrInvalidProposal)

	_, err = h.svc.GetState(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrProposalNotFound)
}

func TestListFiltersByState(t *testing.T) {
	h := newHarness(t)
	a := h.submit(t, "v1", domain.KindAddIndex)
	h.submit(t, "v2", domain.KindAddIndex)

	items, err := h.svc.List(context.Background(), ListFilter{States: []string{"proposed"}, TargetVersion: "v1"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, a, items[0].ProposalID)

	_, err = h.svc.List(context.Background(), ListFilter{States: []string{"limbo"}})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRestartRecoverySettlesInterruptedWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := ports.FormatTime(time.Now())
	payload := `{"statements":["CREATE INDEX person_email IF NOT EXISTS FOR (p:Person) ON (p.email)"],"migration":{"required":false}}`

	for _, seed := range []struct{ id, state string }{
		{"sim-00000001", string(domain.StateSimulating)},
		{"dep-00000001", string(domain.StateDeploying)},
	} {
		require.NoError(t, h.repo.CreateProposal(ctx, ports.ProposalRecord{
			ProposalID: seed.id, TargetVersion: "v1", Kind: string(domain.KindAddIndex), PayloadJSON: payload,
			ProducedBy: "tester", ProducedVia: "human", ProducedAt: now, CreatedAt: now,
		}))
		require.NoError(t, h.repo.CreateLifecycle(ctx, ports.LifecycleRecord{
			ProposalID: seed.id, TargetVersion: "v1", State: seed.state,
			EnteredStateAt: now, CreatedAt: now, UpdatedAt: now,
		}))
	}
	_, err := h.repo.CreateDeployment(ctx, ports.DeploymentRecord{
		ProposalID: "dep-00000001", TargetVersion: "v1", Attempt: 1, Stage: 50, StartedAt: now,
	})
	require.NoError(t, err)

	report := h.tick(t)
	assert.Equal(t, 2, report.Recovered)

	sim := h.state(t, "sim-00000001")
	assert.Equal(t, domain.StateSimulationFailed, sim.State)
	assert.Equal(t, "interrupted", sim.Reason)

	dep := h.state(t, "dep-00000001")
	assert.Equal(t, domain.StateRolledBack, dep.State)
	assert.Equal(t, "interrupted", dep.Reason)
	assert.Equal(t, 25, dep.Deployment.Stage)
	assert.Equal(t, 25, h.router.stage("v1"))

	// Recovery runs once per process.
	report = h.tick(t)
	assert.Zero(t, report.Recovered)
}

func TestNotificationRetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	h.executor.breakOnApply = true
	h.notifier.failFirst = 1
	h.submit(t, "v1", domain.KindDeprecateEntity)

	report := h.tick(t)
	assert.Equal(t, 1, report.NotificationsFailed)
	assert.Zero(t, report.NotificationsSent)

	report = h.tick(t)
	assert.Zero(t, report.NotificationsSent)

	h.shiftClock(time.Minute)
	report = h.tick(t)
	assert.Equal(t, 1, report.NotificationsSent)
	assert.Equal(t, []string{EventApprovalRequested}, h.notifier.kinds())
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	svc := NewService(Config{NotifyInitialBackoff: time.Second, NotifyMaxBackoff: 5 * time.Second}, Deps{})
	assert.Equal(t, time.Second, svc.retryDelay(1))
	assert.Equal(t, 2*time.Second, svc.retryDelay(2))
	assert.Equal(t, 4*time.Second, svc.retryDelay(3))
	assert.Equal(t, 5*time.Second, svc.retryDelay(6))
}

func TestRecalibrateFromFeedback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Recalibrate(ctx, "ops", false)
	assert.ErrorIs(t, err, domain.ErrInsufficientFeedback)

	now := ports.FormatTime(time.Now())
	for i, id := range []string{h.submit(t, "v1", domain.KindAddIndex), h.submit(t, "v2", domain.KindAddIndex)} {
		created, err := h.repo.CreateFeedbackReport(ctx, ports.FeedbackReportRecord{
			ProposalID:     id,
			DeploymentID:   uint64(i + 1),
			AdjPerformance: 0.1,
			CreatedAt:      now,
		})
		require.NoError(t, err)
		require.True(t, created)
	}

	preview, err := h.svc.Recalibrate(ctx, "ops", true)
	require.NoError(t, err)
	assert.True(t, preview.DryRun)
	assert.Equal(t, 2, preview.Records)
	assert.InDelta(t, 0.1, preview.Average.Performance, 1e-9)
	assert.Greater(t, preview.Next.Performance, preview.Previous.Performance)
	assert.Zero(t, preview.Next.Version)

	status, err := h.svc.Calibration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Pending)
	assert.Equal(t, uint64(1), status.Weights.Version)

	applied, err := h.svc.Recalibrate(ctx, "ops", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), applied.Next.Version)
	assert.Equal(t, "ops", applied.Next.CreatedBy)

	status, err = h.svc.Calibration(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Pending)
	assert.Equal(t, uint64(2), status.Weights.Version)
	assert.InDelta(t, 1.0, status.Weights.Breaking+status.Weights.Performance+status.Weights.Migration+status.Weights.Kind, 1e-3)
}

func TestSecondRunnerLeavesLiveDeploymentAlone(t *testing.T) {
	h := newHarness(t, withDwell(300*time.Millisecond))
	ctx := context.Background()
	id := h.submit(t, "v1", domain.KindAddIndex)

	report := h.tick(t)
	require.Equal(t, 1, report.DeploysStarted)

	other := h.secondRunner(t)
	report, err := other.RunOnce(ctx)
	require.ErrorIs(t, err, domain.ErrRunnerBusy)
	assert.Zero(t, report.Recovered)
	assert.Equal(t, domain.StateDeploying, h.state(t, id).State)

	h.svc.Wait()
	detail := h.state(t, id)
	assert.Equal(t, domain.StateMonitoring, detail.State)
	assert.Equal(t, string(domain.OutcomeSucceeded), detail.Deployment.Outcome)
	assert.Equal(t, 100, h.router.stage("v1"))
	_, reverts := h.compiler.counts()
	assert.Zero(t, reverts)

	// A released lease hands over cleanly; nothing is left to recover.
	require.NoError(t, h.svc.ReleaseLease(ctx))
	report, err = other.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Recovered)
	assert.True(t, other.HoldsLease())
	assert.False(t, h.svc.HoldsLease())
	assert.Equal(t, domain.StateMonitoring, h.state(t, id).State)
}

func TestUnstoredImpactReportFailsSimulation(t *testing.T) {
	h := newHarness(t, withFlakyRepo(&flakyRepo{failReports: 1}))
	id := h.submit(t, "v1", domain.KindAddIndex)

	report := h.tick(t)
	assert.Equal(t, 1, report.SimulationFailed)

	detail := h.state(t, id)
	assert.Equal(t, domain.StateSimulationFailed, detail.State)
	assert.Contains(t, detail.Reason, "record simulation")
	assert.Contains(t, detail.Reason, "disk I/O error")
}

func TestUnrecordedSimulationFailureIsSweptNextTick(t *testing.T) {
	h := newHarness(t, withFlakyRepo(&flakyRepo{
		failReports:       1,
		failTransitionsTo: string(domain.StateSimulationFailed),
		failTransitions:   simulationRecordTries,
	}))
	id := h.submit(t, "v1", domain.KindAddIndex)

	_, err := h.svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.StateSimulating, h.state(t, id).State)

	report := h.tick(t)
	assert.Equal(t, 1, report.Recovered)
	detail := h.state(t, id)
	assert.Equal(t, domain.StateSimulationFailed, detail.State)
	assert.Equal(t, "interrupted", detail.Reason)
}
