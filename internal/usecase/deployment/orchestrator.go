package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/bootstrap/tracing"
	"schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/observability"
	"schemapilot/internal/ports"
)

type Config struct {
	Stages         []int
	Dwell          time.Duration
	SampleInterval time.Duration
	BaselineWindow time.Duration
	Tolerance      pipeline.Tolerance
}

// Store is the persistence the orchestrator writes deployment progress to.
type Store interface {
	CreateDeployment(ctx context.Context, deployment ports.DeploymentRecord) (ports.DeploymentRecord, error)
	UpdateDeployment(ctx context.Context, deployment ports.DeploymentRecord) error
	AppendHealthSample(ctx context.Context, sample ports.HealthSampleRecord) error
	GetPendingAbort(ctx context.Context, proposalID string) (ports.AbortRequestRecord, error)
	MarkAbortHandled(ctx context.Context, abortID uint64, handledAt string) error
}

type Orchestrator struct {
	store     Store
	health    ports.HealthSource
	compiler  ports.SchemaCompiler
	router    ports.TrafficRouter
	migration ports.MigrationRunner
	cfg       Config
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewOrchestrator(
	store Store,
	health ports.HealthSource,
	compiler ports.SchemaCompiler,
	router ports.TrafficRouter,
	migration ports.MigrationRunner,
	cfg Config,
	metrics *observability.Metrics,
) *Orchestrator {
	if len(cfg.Stages) == 0 {
		cfg.Stages = []int{5, 25, 50, 100}
	}
	return &Orchestrator{
		store:     store,
		health:    health,
		compiler:  compiler,
		router:    router,
		migration: migration,
		cfg:       cfg,
		metrics:   metrics,
		now:       time.Now,
	}
}

type Input struct {
	Proposal pipeline.Proposal
	Attempt  int
	// Abort delivers operator abort reasons from this process.
	Abort <-chan string
}

type Result struct {
	Deployment ports.DeploymentRecord
	Outcome    pipeline.Outcome
	Reason     string
}

// run carries the state of one deployment attempt. It is only touched by
// the goroutine executing Run.
type run struct {
	dep    ports.DeploymentRecord
	change ports.SchemaChange
	logCtx context.Context
}

// Run executes the staged rollout of one approved proposal. Every exit
// path closes the deployment record with an outcome. The returned error is
// reserved for persistence failures; rollbacks and aborts are outcomes.
func (o *Orchestrator) Run(ctx context.Context, in Input) (Result, error) {
	if ctx == nil {
		return Result{}, errors.New("context is required")
	}
	if err := o.checkDependencies(); err != nil {
		return Result{}, err
	}

	ctx, span := tracing.Start(ctx, "deployment.run",
		attribute.String("proposal_id", in.Proposal.ID),
		attribute.String("target_version", in.Proposal.TargetVersion),
	)
	defer span.End()

	change, err := SchemaChangeFor(in.Proposal)
	if err != nil {
		return Result{}, err
	}
	attempt := in.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	dep, err := o.store.CreateDeployment(ctx, ports.DeploymentRecord{
		ProposalID:    in.Proposal.ID,
		TargetVersion: in.Proposal.TargetVersion,
		Attempt:       attempt,
		StartedAt:     ports.FormatTime(o.now()),
	})
	if err != nil {
		return Result{}, errs.Wrap(err, "create deployment record")
	}

	r := &run{
		dep:    dep,
		change: change,
		logCtx: logging.WithAttrs(logging.WithSpan(ctx),
			slog.String("component", "usecase.deployment"),
			slog.String("proposal_id", in.Proposal.ID),
			slog.Uint64("deployment_id", dep.DeploymentID),
		),
	}
	logging.Info(r.logCtx, "deployment started", slog.Int("attempt", attempt))

	end := o.now()
	baseline, err := o.health.Window(ctx, in.Proposal.TargetVersion, end.Add(-o.cfg.BaselineWindow), end)
	if err != nil {
		reason := fmt.Errorf("%w: baseline: %v", pipeline.ErrHealthCheckUnavailable, err)
		return o.abort(ctx, r, reason.Error())
	}
	r.dep.BaselineErrorRate = baseline.ErrorRate
	r.dep.BaselineP95Ms = baseline.P95Ms
	if err := o.store.UpdateDeployment(ctx, r.dep); err != nil {
		return Result{}, errs.Wrap(err, "persist baseline")
	}
	base := pipeline.HealthSample{ErrorRate: baseline.ErrorRate, P95Ms: baseline.P95Ms, At: baseline.At}

	// An abort issued before the change lands closes the record untouched.
	pending, err := o.queuedAbort(ctx, r, in.Abort)
	if err != nil {
		return Result{}, err
	}
	if pending != "" {
		return o.abort(ctx, r, pending)
	}

	if err := o.compiler.Apply(ctx, change); err != nil {
		reason := fmt.Errorf("%w: %v", pipeline.ErrSchemaCompilation, err)
		return o.abort(ctx, r, reason.Error())
	}

	if m := in.Proposal.Payload.Migration; m.Required && o.migration != nil {
		jobID, err := o.migration.Start(ctx, ports.MigrationJob{
			ProposalID:      in.Proposal.ID,
			TargetVersion:   in.Proposal.TargetVersion,
			Backfill:        string(m.Backfill),
			Scripts:         m.Scripts,
			AffectedRecords: m.AffectedRecords,
		})
		if err != nil {
			return o.rollback(ctx, r, 0, "migration start failed: "+err.Error())
		}
		r.dep.MigrationJobID = jobID
		if err := o.store.UpdateDeployment(ctx, r.dep); err != nil {
			return Result{}, errs.Wrap(err, "persist migration job")
		}
	}

	seq := 0
	prior := 0
	for _, stage := range o.cfg.Stages {
		pending, err := o.queuedAbort(ctx, r, in.Abort)
		if err != nil {
			return Result{}, err
		}
		if pending != "" {
			return o.rollback(ctx, r, prior, pending)
		}
		if err := o.router.Shift(ctx, in.Proposal.TargetVersion, in.Proposal.ID, stage); err != nil {
			return o.rollback(ctx, r, prior, fmt.Sprintf("traffic shift to %d%% failed: %v", stage, err))
		}
		r.dep.Stage = stage
		if err := o.store.UpdateDeployment(ctx, r.dep); err != nil {
			return Result{}, errs.Wrap(err, "persist stage")
		}
		logging.Info(r.logCtx, "stage entered", slog.Int("stage", stage))

		reason, err := o.dwell(ctx, r, in.Abort, stage, base, &seq)
		if err != nil {
			return Result{}, err
		}
		if reason != "" {
			return o.rollback(ctx, r, prior, reason)
		}
		prior = stage
	}

	r.dep.Outcome = string(pipeline.OutcomeSucceeded)
	r.dep.ClosedAt = ports.FormatTime(o.now())
	if err := o.store.UpdateDeployment(ctx, r.dep); err != nil {
		return Result{}, errs.Wrap(err, "close deployment")
	}
	o.metrics.ObserveDeployment(r.dep.Outcome)
	logging.Info(r.logCtx, "deployment succeeded", slog.Int("samples", seq))
	return Result{Deployment: r.dep, Outcome: pipeline.OutcomeSucceeded}, nil
}

// dwell holds one stage, sampling health every interval. It returns a
// non-empty reason when the stage must be rolled back.
func (o *Orchestrator) dwell(
	ctx context.Context,
	r *run,
	abort <-chan string,
	stage int,
	base pipeline.HealthSample,
	seq *int,
) (string, error) {
	ticker := time.NewTicker(o.cfg.SampleInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(o.cfg.Dwell)
	defer deadline.Stop()

	samples := make([]pipeline.HealthSample, 0)
	for {
		select {
		case reason := <-abort:
			return o.signalledAbort(ctx, r, reason)
		case <-ctx.Done():
			return "deployment interrupted: " + ctx.Err().Error(), nil
		case <-ticker.C:
			reason, err := o.sample(ctx, r, stage, base, seq, &samples)
			if err != nil || reason != "" {
				return reason, err
			}
		case <-deadline.C:
			// Aborts take priority over the stage advance.
			if reason, err := o.queuedAbort(ctx, r, abort); err != nil || reason != "" {
				return reason, err
			}
			if mean, ok := pipeline.MeanSample(samples); ok {
				if breach, bad := pipeline.Evaluate(base, mean, o.cfg.Tolerance); bad {
					return fmt.Sprintf("stage %d%% mean: %s", stage, breach.Reason()), nil
				}
			}
			if reason := o.migrationFailure(ctx, r); reason != "" {
				return reason, nil
			}
			return "", nil
		}
	}
}

func (o *Orchestrator) sample(
	ctx context.Context,
	r *run,
	stage int,
	base pipeline.HealthSample,
	seq *int,
	samples *[]pipeline.HealthSample,
) (string, error) {
	if reason, err := o.pendingAbort(ctx, r); err != nil || reason != "" {
		return reason, err
	}

	reading, err := o.health.Sample(ctx, r.dep.TargetVersion)
	if err != nil {
		if ctx.Err() != nil {
			return "deployment interrupted: " + ctx.Err().Error(), nil
		}
		return fmt.Errorf("%w: %v", pipeline.ErrHealthCheckUnavailable, err).Error(), nil
	}
	at := reading.At
	if at.IsZero() {
		at = o.now()
	}

	*seq++
	if err := o.store.AppendHealthSample(ctx, ports.HealthSampleRecord{
		DeploymentID: r.dep.DeploymentID,
		Seq:          *seq,
		Stage:        stage,
		ErrorRate:    reading.ErrorRate,
		P95Ms:        reading.P95Ms,
		SampledAt:    ports.FormatTime(at),
	}); err != nil {
		return "", errs.Wrap(err, "persist health sample")
	}

	observed := pipeline.HealthSample{ErrorRate: reading.ErrorRate, P95Ms: reading.P95Ms, At: at}
	*samples = append(*samples, observed)
	if breach, bad := pipeline.Evaluate(base, observed, o.cfg.Tolerance); bad {
		return fmt.Sprintf("stage %d%% sample %d: %s", stage, *seq, breach.Reason()), nil
	}
	return "", nil
}

// pendingAbort consumes an abort request stored by another process.
func (o *Orchestrator) pendingAbort(ctx context.Context, r *run) (string, error) {
	request, err := o.store.GetPendingAbort(ctx, r.dep.ProposalID)
	if err != nil {
		if errors.Is(err, ports.ErrRecordNotFound) {
			return "", nil
		}
		if ctx.Err() != nil {
			return "", nil
		}
		return "", errs.Wrap(err, "check abort request")
	}
	if err := o.store.MarkAbortHandled(ctx, request.AbortID, ports.FormatTime(o.now())); err != nil {
		return "", errs.Wrap(err, "mark abort handled")
	}
	return abortReason(request.Actor, request.Reason), nil
}

// queuedAbort returns an abort already waiting on the in-process channel or
// in the store, without blocking.
func (o *Orchestrator) queuedAbort(ctx context.Context, r *run, abort <-chan string) (string, error) {
	select {
	case reason := <-abort:
		return o.signalledAbort(ctx, r, reason)
	default:
	}
	return o.pendingAbort(ctx, r)
}

// signalledAbort prefers the stored request behind an in-process signal so
// its actor is kept and it is marked handled.
func (o *Orchestrator) signalledAbort(ctx context.Context, r *run, signalled string) (string, error) {
	reason, err := o.pendingAbort(ctx, r)
	if err != nil || reason != "" {
		return reason, err
	}
	return abortReason("", signalled), nil
}

func (o *Orchestrator) migrationFailure(ctx context.Context, r *run) string {
	if r.dep.MigrationJobID == "" || o.migration == nil {
		return ""
	}
	state, err := o.migration.Status(ctx, r.dep.MigrationJobID)
	if err != nil {
		logging.Warn(r.logCtx, "migration status unavailable", slog.Any("err", errs.Loggable(err)))
		return ""
	}
	if state.Status == ports.MigrationFailed {
		return "migration failed: " + state.Error
	}
	return ""
}

// abort closes a deployment that never shifted traffic.
func (o *Orchestrator) abort(ctx context.Context, r *run, reason string) (Result, error) {
	pctx := context.WithoutCancel(ctx)
	r.dep.Outcome = string(pipeline.OutcomeAborted)
	r.dep.RollbackReason = reason
	r.dep.ClosedAt = ports.FormatTime(o.now())
	if err := o.store.UpdateDeployment(pctx, r.dep); err != nil {
		return Result{}, errs.Wrap(err, "close aborted deployment")
	}
	o.metrics.ObserveDeployment(r.dep.Outcome)
	logging.Warn(r.logCtx, "deployment aborted", slog.String("reason", reason))
	return Result{Deployment: r.dep, Outcome: pipeline.OutcomeAborted, Reason: reason}, nil
}

// rollback reverts a deployment in order: traffic back to the prior stage,
// migration cancel, schema revert, close. It runs detached from ctx so a
// cancelled caller still leaves the live system consistent.
func (o *Orchestrator) rollback(ctx context.Context, r *run, prior int, reason string) (Result, error) {
	rctx := context.WithoutCancel(ctx)
	logging.Warn(r.logCtx, "rolling back deployment",
		slog.Int("stage", r.dep.Stage),
		slog.Int("revert_to", prior),
		slog.String("reason", reason),
	)

	if err := o.router.Shift(rctx, r.dep.TargetVersion, r.dep.ProposalID, prior); err != nil {
		logging.Error(r.logCtx, "traffic revert failed", slog.Any("err", errs.Loggable(err)))
	} else {
		r.dep.Stage = prior
		r.dep.TrafficRevertedAt = ports.FormatTime(o.now())
		if err := o.store.UpdateDeployment(rctx, r.dep); err != nil {
			return Result{}, errs.Wrap(err, "persist traffic revert")
		}
	}

	if r.dep.MigrationJobID != "" && o.migration != nil {
		if err := o.migration.Cancel(rctx, r.dep.MigrationJobID); err != nil {
			logging.Error(r.logCtx, "migration cancel failed", slog.Any("err", errs.Loggable(err)))
		}
	}

	if err := o.compiler.Revert(rctx, r.change); err != nil {
		logging.Error(r.logCtx, "schema revert failed", slog.Any("err", errs.Loggable(err)))
		reason = reason + "; schema revert failed: " + err.Error()
	} else {
		r.dep.SchemaRevertedAt = ports.FormatTime(o.now())
		if err := o.store.UpdateDeployment(rctx, r.dep); err != nil {
			return Result{}, errs.Wrap(err, "persist schema revert")
		}
	}

	r.dep.Outcome = string(pipeline.OutcomeRolledBack)
	r.dep.RollbackReason = reason
	r.dep.ClosedAt = ports.FormatTime(o.now())
	if err := o.store.UpdateDeployment(rctx, r.dep); err != nil {
		return Result{}, errs.Wrap(err, "close rolled back deployment")
	}
	o.metrics.ObserveDeployment(r.dep.Outcome)
	logging.Info(r.logCtx, "deployment rolled back", slog.Int("stage", r.dep.Stage))
	return Result{Deployment: r.dep, Outcome: pipeline.OutcomeRolledBack, Reason: reason}, nil
}

// Revert rolls back a deployment that already closed as succeeded, for an
// abort issued while the proposal is monitoring. The closed record is kept
// as is; the revert is written as the next attempt, starting at the stage
// the rollout reached. Traffic goes to zero.
func (o *Orchestrator) Revert(ctx context.Context, proposal pipeline.Proposal, dep ports.DeploymentRecord, reason string) (Result, error) {
	if ctx == nil {
		return Result{}, errors.New("context is required")
	}
	if err := o.checkDependencies(); err != nil {
		return Result{}, err
	}
	change, err := SchemaChangeFor(proposal)
	if err != nil {
		return Result{}, err
	}
	revert, err := o.store.CreateDeployment(ctx, ports.DeploymentRecord{
		ProposalID:        proposal.ID,
		TargetVersion:     proposal.TargetVersion,
		Attempt:           dep.Attempt + 1,
		Stage:             dep.Stage,
		BaselineErrorRate: dep.BaselineErrorRate,
		BaselineP95Ms:     dep.BaselineP95Ms,
		MigrationJobID:    dep.MigrationJobID,
		StartedAt:         ports.FormatTime(o.now()),
	})
	if err != nil {
		return Result{}, errs.Wrap(err, "create revert record")
	}
	r := &run{
		dep:    revert,
		change: change,
		logCtx: logging.WithAttrs(ctx,
			slog.String("component", "usecase.deployment"),
			slog.String("proposal_id", proposal.ID),
			slog.Uint64("deployment_id", revert.DeploymentID),
			slog.Uint64("reverts_deployment_id", dep.DeploymentID),
		),
	}
	return o.rollback(ctx, r, 0, reason)
}

// Recover rolls back a deployment left active by a previous process. Traffic
// returns to the stage before the one recorded. A zero DeploymentID means no
// record was written; only the schema revert is attempted then.
func (o *Orchestrator) Recover(ctx context.Context, proposal pipeline.Proposal, dep ports.DeploymentRecord, reason string) (Result, error) {
	if ctx == nil {
		return Result{}, errors.New("context is required")
	}
	if err := o.checkDependencies(); err != nil {
		return Result{}, err
	}
	change, err := SchemaChangeFor(proposal)
	if err != nil {
		return Result{}, err
	}
	if dep.DeploymentID == 0 {
		if err := o.compiler.Revert(context.WithoutCancel(ctx), change); err != nil {
			reason = reason + "; schema revert failed: " + err.Error()
		}
		return Result{Outcome: pipeline.OutcomeRolledBack, Reason: reason}, nil
	}
	if dep.Outcome != "" {
		return Result{Deployment: dep, Outcome: pipeline.Outcome(dep.Outcome), Reason: dep.RollbackReason}, nil
	}
	r := &run{
		dep:    dep,
		change: change,
		logCtx: logging.WithAttrs(ctx,
			slog.String("component", "usecase.deployment"),
			slog.String("proposal_id", proposal.ID),
			slog.Uint64("deployment_id", dep.DeploymentID),
		),
	}
	return o.rollback(ctx, r, o.priorStage(dep.Stage), reason)
}

func (o *Orchestrator) priorStage(stage int) int {
	prior := 0
	for _, s := range o.cfg.Stages {
		if s >= stage {
			break
		}
		prior = s
	}
	return prior
}

func (o *Orchestrator) checkDependencies() error {
	switch {
	case o.store == nil:
		return errors.New("deployment store is required")
	case o.health == nil:
		return errors.New("health source is required")
	case o.compiler == nil:
		return errors.New("schema compiler is required")
	case o.router == nil:
		return errors.New("traffic router is required")
	}
	return nil
}

// SchemaChangeFor builds the compiler payload of a proposal.
func SchemaChangeFor(proposal pipeline.Proposal) (ports.SchemaChange, error) {
	payload, err := json.Marshal(proposal.Payload)
	if err != nil {
		return ports.SchemaChange{}, errs.Wrap(err, "encode proposal payload")
	}
	return ports.SchemaChange{
		ProposalID:       proposal.ID,
		TargetVersion:    proposal.TargetVersion,
		Kind:             string(proposal.Kind),
		PayloadJSON:      string(payload),
		Statements:       proposal.Payload.Statements,
		RevertStatements: proposal.Payload.RevertStatements,
	}, nil
}

func abortReason(actor string, reason string) string {
	out := "aborted by operator"
	if actor != "" {
		out = "aborted by " + actor
	}
	if reason != "" {
		out += ": " + reason
	}
	return out
}
