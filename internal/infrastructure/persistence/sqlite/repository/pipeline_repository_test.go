package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"schemapilot/internal/infrastructure/persistence/sqlite/model"
	"schemapilot/internal/infrastructure/persistence/sqlite/uow"
	"schemapilot/internal/ports"
)

func setupPipelineRepository(t *testing.T) (*PipelineRepository, *gorm.DB) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "pipeline.sqlite")
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(model.All()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return NewPipelineRepository(db), db
}

func seedProposal(t *testing.T, repo *PipelineRepository, id string, version string, state string) {
	t.Helper()

	ctx := context.Background()
	now := ports.FormatTime(time.Now())
	if err := repo.CreateProposal(ctx, ports.ProposalRecord{
		ProposalID:    id,
		TargetVersion: version,
		Kind:          "add_index",
		PayloadJSON:   `{"statements":["CREATE INDEX x IF NOT EXISTS FOR (n:Person) ON (n.name)"]}`,
		ProducedBy:    "tester",
		ProducedVia:   "human",
		ProducedAt:    now,
		CreatedAt:     now,
	}); err != nil {
		t.Fatalf("CreateProposal() error = %v", err)
	}
	if err := repo.CreateLifecycle(ctx, ports.LifecycleRecord{
		ProposalID:     id,
		TargetVersion:  version,
		State:          state,
		EnteredStateAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		t.Fatalf("CreateLifecycle() error = %v", err)
	}
}

func TestTransitionLifecycleIsConditional(t *testing.T) {
	repo, _ := setupPipelineRepository(t)
	ctx := context.Background()
	seedProposal(t, repo, "p-1", "v1", "proposed")

	now := ports.FormatTime(time.Now())
	if err := repo.TransitionLifecycle(ctx, ports.LifecycleTransition{
		ProposalID: "p-1",
		From:       "proposed",
		To:         "simulating",
		Actor:      "pipeline",
		At:         now,
	}); err != nil {
		t.Fatalf("TransitionLifecycle() error = %v", err)
	}

	err := repo.TransitionLifecycle(ctx, ports.LifecycleTransition{
		ProposalID: "p-1",
		From:       "proposed",
		To:         "simulating",
		At:         now,
	})
	if !errors.Is(err, ports.ErrStaleState) {
		t.Fatalf("TransitionLifecycle(stale) error = %v, want ErrStaleState", err)
	}

	lifecycle, err := repo.GetLifecycle(ctx, "p-1")
	if err != nil {
		t.Fatalf("GetLifecycle() error = %v", err)
	}
	if lifecycle.State != "simulating" {
		t.Fatalf("GetLifecycle() state = %q", lifecycle.State)
	}

	history, err := repo.ListTransitions(ctx, "p-1")
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	if len(history) != 1 || history[0].FromState != "proposed" || history[0].ToState != "simulating" {
		t.Fatalf("ListTransitions() = %+v", history)
	}
}

func TestTransitionRollsBackWithUnitOfWork(t *testing.T) {
	repo, db := setupPipelineRepository(t)
	ctx := context.Background()
	seedProposal(t, repo, "p-1", "v1", "proposed")

	boom := errors.New("boom")
	err := uow.NewUnitOfWork(db).WithTx(ctx, func(txCtx context.Context) error {
		if err := repo.TransitionLifecycle(txCtx, ports.LifecycleTransition{
			ProposalID: "p-1",
			From:       "proposed",
			To:         "simulating",
			At:         ports.FormatTime(time.Now()),
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v", err)
	}

	lifecycle, err := repo.GetLifecycle(ctx, "p-1")
	if err != nil {
		t.Fatalf("GetLifecycle() error = %v", err)
	}
	if lifecycle.State != "proposed" {
		t.Fatalf("state after rollback = %q", lifecycle.State)
	}
	history, _ := repo.ListTransitions(ctx, "p-1")
	if len(history) != 0 {
		t.Fatalf("transitions after rollback = %d", len(history))
	}
}

func TestGetProposalNotFound(t *testing.T) {
	repo, _ := setupPipelineRepository(t)
	if _, err := repo.GetProposal(context.Background(), "missing"); !errors.Is(err, ports.ErrRecordNotFound) {
		t.Fatalf("GetProposal() error = %v", err)
	}
}

func TestListLifecyclesFilters(t *testing.T) {
	repo, _ := setupPipelineRepository(t)
	ctx := context.Background()
	seedProposal(t, repo, "p-1", "v1", "proposed")
	seedProposal(t, repo, "p-2", "v1", "deploying")
	seedProposal(t, repo, "p-3", "v2", "monitoring")

	items, err := repo.ListLifecycles(ctx, ports.LifecycleFilter{States: []string{"deploying", "monitoring"}})
	if err != nil {
		t.Fatalf("ListLifecycles() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("ListLifecycles() len = %d", len(items))
	}

	count, err := repo.CountSlotHolders(ctx, "v1")
	if err != nil {
		t.Fatalf("CountSlotHolders() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("CountSlotHolders(v1) = %d", count)
	}
}

func TestUpsertApprovalDecisionReplacesSameReviewer(t *testing.T) {
	repo, _ := setupPipelineRepository(t)
	ctx := context.Background()
	seedProposal(t, repo, "p-1", "v1", "pending_approval")

	now := ports.FormatTime(time.Now())
	for _, verdict := range []string{"approve", "reject"} {
		if err := repo.UpsertApprovalDecision(ctx, ports.ApprovalDecisionRecord{
			ProposalID: "p-1",
			Reviewer:   "alice",
			Role:       "ontology-admin",
			Verdict:    verdict,
			DecidedAt:  now,
		}); err != nil {
			t.Fatalf("UpsertApprovalDecision(%s) error = %v", verdict, err)
		}
	}

	items, err := repo.ListApprovalDecisions(ctx, "p-1")
	if err != nil {
		t.Fatalf("ListApprovalDecisions() error = %v", err)
	}
	if len(items) != 1 || items[0].Verdict != "reject" {
		t.Fatalf("ListApprovalDecisions() = %+v", items)
	}
}

func TestDeploymentUpdateAndSamples(t *testing.T) {
	repo, _ := setupPipelineRepository(t)
	ctx := context.Background()
	seedProposal(t, repo, "p-1", "v1", "deploying")

	now := ports.FormatTime(time.Now())
	created, err := repo.CreateDeployment(ctx, ports.DeploymentRecord{
		ProposalID:    "p-1",
		TargetVersion: "v1",
		Attempt:       1,
		StartedAt:     now,
	})
	if err != nil {
		t.Fatalf("CreateDeployment() error = %v", err)
	}
	if created.DeploymentID == 0 {
		t.Fatalf("CreateDeployment() id = 0")
	}

	created.Stage = 5
	created.Outcome = "rolled_back"
	created.TrafficRevertedAt = now
	if err := repo.UpdateDeployment(ctx, created); err != nil {
		t.Fatalf("UpdateDeployment() error = %v", err)
	}
	for seq := 1; seq <= 2; seq++ {
		if err := repo.AppendHealthSample(ctx, ports.HealthSampleRecord{
			DeploymentID: created.DeploymentID,
			Seq:          seq,
			Stage:        5,
			ErrorRate:    0.01,
			P95Ms:        100,
			SampledAt:    now,
		}); err != nil {
			t.Fatalf("AppendHealthSample() error = %v", err)
		}
	}
	if err := repo.AppendHealthSample(ctx, ports.HealthSampleRecord{DeploymentID: created.DeploymentID, Seq: 2, SampledAt: now}); err == nil {
		t.Fatalf("AppendHealthSample(duplicate seq) error = nil")
	}

	latest, err := repo.GetLatestDeployment(ctx, "p-1")
	if err != nil {
		t.Fatalf("GetLatestDeployment() error = %v", err)
	}
	if latest.Stage != 5 || latest.TrafficRevertedAt != now || latest.SchemaRevertedAt != "" {
		t.Fatalf("GetLatestDeployment() = %+v", latest)
	}

	samples, err := repo.ListHealthSamples(ctx, created.DeploymentID)
	if err != nil {
		t.Fatalf("ListHealthSamples() error = %v", err)
	}
	if len(samples) != 2 || samples[0].Seq != 1 || samples[1].Seq != 2 {
		t.Fatalf("ListHealthSamples() = %+v", samples)
	}
}

func TestCreateFeedbackReportOncePerProposal(t *testing.T) {
	repo, _ := setupPipelineRepository(t)
	ctx := context.Background()
	now := ports.FormatTime(time.Now())

	report := ports.FeedbackReportRecord{
		ProposalID:      "p-1",
		DeploymentID:    7,
		PredictedDelta:  0.1,
		ObservedDelta:   0.3,
		PredictionError: 0.2,
		AdjPerformance:  0.1,
		CreatedAt:       now,
	}
	created, err := repo.CreateFeedbackReport(ctx, report)
	if err != nil || !created {
		t.Fatalf("CreateFeedbackReport() = %v, %v", created, err)
	}
	created, err = repo.CreateFeedbackReport(ctx, report)
	if err != nil || created {
		t.Fatalf("CreateFeedbackReport(again) = %v, %v", created, err)
	}

	pending, err := repo.ListUnappliedFeedback(ctx)
	if err != nil {
		t.Fatalf("ListUnappliedFeedback() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("ListUnappliedFeedback() len = %d", len(pending))
	}
	if err := repo.MarkFeedbackApplied(ctx, []uint64{pending[0].FeedbackID}, 2); err != nil {
		t.Fatalf("MarkFeedbackApplied() error = %v", err)
	}
	pending, _ = repo.ListUnappliedFeedback(ctx)
	if len(pending) != 0 {
		t.Fatalf("ListUnappliedFeedback() after apply len = %d", len(pending))
	}
}

func TestRiskWeightsVersions(t *testing.T) {
	repo, _ := setupPipelineRepository(t)
	ctx := context.Background()

	if _, err := repo.GetLatestRiskWeights(ctx); !errors.Is(err, ports.ErrRecordNotFound) {
		t.Fatalf("GetLatestRiskWeights(empty) error = %v", err)
	}
	now := ports.FormatTime(time.Now())
	first, err := repo.CreateRiskWeights(ctx, ports.RiskWeightsRecord{Breaking: 0.4, Performance: 0.25, Migration: 0.15, Kind: 0.2, Source: "profile", CreatedAt: now})
	if err != nil {
		t.Fatalf("CreateRiskWeights() error = %v", err)
	}
	second, err := repo.CreateRiskWeights(ctx, ports.RiskWeightsRecord{Breaking: 0.45, Performance: 0.2, Migration: 0.15, Kind: 0.2, Source: "calibration", CreatedAt: now})
	if err != nil {
		t.Fatalf("CreateRiskWeights() error = %v", err)
	}
	if second.Version <= first.Version {
		t.Fatalf("versions = %d, %d", first.Version, second.Version)
	}
	latest, err := repo.GetLatestRiskWeights(ctx)
	if err != nil {
		t.Fatalf("GetLatestRiskWeights() error = %v", err)
	}
	if latest.Version != second.Version || latest.Source != "calibration" {
		t.Fatalf("GetLatestRiskWeights() = %+v", latest)
	}
}

func TestAbortRequestLifecycle(t *testing.T) {
	repo, _ := setupPipelineRepository(t)
	ctx := context.Background()
	now := ports.FormatTime(time.Now())

	if _, err := repo.GetPendingAbort(ctx, "p-1"); !errors.Is(err, ports.ErrRecordNotFound) {
		t.Fatalf("GetPendingAbort(empty) error = %v", err)
	}
	request, err := repo.CreateAbortRequest(ctx, ports.AbortRequestRecord{ProposalID: "p-1", Actor: "ops", Reason: "manual", RequestedAt: now})
	if err != nil {
		t.Fatalf("CreateAbortRequest() error = %v", err)
	}
	pending, err := repo.GetPendingAbort(ctx, "p-1")
	if err != nil || pending.AbortID != request.AbortID {
		t.Fatalf("GetPendingAbort() = %+v, %v", pending, err)
	}
	if err := repo.MarkAbortHandled(ctx, request.AbortID, now); err != nil {
		t.Fatalf("MarkAbortHandled() error = %v", err)
	}
	if _, err := repo.GetPendingAbort(ctx, "p-1"); !errors.Is(err, ports.ErrRecordNotFound) {
		t.Fatalf("GetPendingAbort(handled) error = %v", err)
	}
}

func TestNotificationOutbox(t *testing.T) {
	repo, _ := setupPipelineRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := ports.FormatTime(base)

	for i := 0; i < 2; i++ {
		if err := repo.EnqueueNotification(ctx, ports.NotificationRecord{
			EventID:     "evt-1",
			Kind:        "approval.requested",
			ProposalID:  "p-1",
			PayloadJSON: `{"risk_score":42}`,
			CreatedAt:   now,
		}); err != nil {
			t.Fatalf("EnqueueNotification() error = %v", err)
		}
	}

	due, err := repo.ListDueNotifications(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDueNotifications() error = %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("ListDueNotifications() len = %d", len(due))
	}

	retryAt := ports.FormatTime(base.Add(time.Minute))
	if err := repo.MarkNotificationFailed(ctx, due[0].NotificationID, "nats down", retryAt); err != nil {
		t.Fatalf("MarkNotificationFailed() error = %v", err)
	}
	due, _ = repo.ListDueNotifications(ctx, now, 10)
	if len(due) != 0 {
		t.Fatalf("ListDueNotifications() before retry len = %d", len(due))
	}
	due, _ = repo.ListDueNotifications(ctx, retryAt, 10)
	if len(due) != 1 || due[0].Attempts != 1 || due[0].LastError != "nats down" {
		t.Fatalf("ListDueNotifications() at retry = %+v", due)
	}
	if err := repo.MarkNotificationDelivered(ctx, due[0].NotificationID, retryAt); err != nil {
		t.Fatalf("MarkNotificationDelivered() error = %v", err)
	}
	due, _ = repo.ListDueNotifications(ctx, retryAt, 10)
	if len(due) != 0 {
		t.Fatalf("ListDueNotifications() after delivery len = %d", len(due))
	}
}

func TestLeaseHasSingleOwnerUntilExpiry(t *testing.T) {
	repo, _ := setupPipelineRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	claim := func(owner string, at time.Time) bool {
		t.Helper()
		ok, err := repo.AcquireLease(ctx, ports.LeaseClaim{
			Key:       "runner",
			Owner:     owner,
			Now:       ports.FormatTime(at),
			ExpiresAt: ports.FormatTime(at.Add(30 * time.Second)),
		})
		if err != nil {
			t.Fatalf("AcquireLease(%s) error = %v", owner, err)
		}
		return ok
	}

	if !claim("a", base) {
		t.Fatalf("first claim should win")
	}
	if claim("b", base.Add(10*time.Second)) {
		t.Fatalf("second owner took a live lease")
	}
	if !claim("a", base.Add(20*time.Second)) {
		t.Fatalf("holder could not renew")
	}
	if claim("b", base.Add(45*time.Second)) {
		t.Fatalf("renewed lease expired early")
	}
	if !claim("b", base.Add(51*time.Second)) {
		t.Fatalf("expired lease was not taken over")
	}
	if claim("a", base.Add(52*time.Second)) {
		t.Fatalf("previous holder renewed a lease it lost")
	}

	if err := repo.ReleaseLease(ctx, "runner", "a"); err != nil {
		t.Fatalf("ReleaseLease(a) error = %v", err)
	}
	if claim("a", base.Add(53*time.Second)) {
		t.Fatalf("release by a non-holder dropped the lease")
	}
	if err := repo.ReleaseLease(ctx, "runner", "b"); err != nil {
		t.Fatalf("ReleaseLease(b) error = %v", err)
	}
	if !claim("a", base.Add(54*time.Second)) {
		t.Fatalf("released lease could not be claimed")
	}
}
