package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/infrastructure/persistence/sqlite/model"
	sqliterepo "schemapilot/internal/infrastructure/persistence/sqlite/repository"
	sqliteuow "schemapilot/internal/infrastructure/persistence/sqlite/uow"
	"schemapilot/internal/observability"
	"schemapilot/internal/ports"
	"schemapilot/internal/usecase/approval"
	"schemapilot/internal/usecase/deployment"
	"schemapilot/internal/usecase/feedback"
	"schemapilot/internal/usecase/impact"
	"schemapilot/internal/usecase/replay"
	"schemapilot/internal/usecase/sandbox"
)

type fakeTraffic struct {
	queries []ports.RecordedQuery
}

func (f *fakeTraffic) Sample(context.Context, string) ([]ports.RecordedQuery, error) {
	out := make([]ports.RecordedQuery, len(f.queries))
	copy(out, f.queries)
	return out, nil
}

type fakeProvisioner struct {
	mu      sync.Mutex
	seq     int
	applied map[string]bool
}

func (f *fakeProvisioner) Provision(_ context.Context, snapshotRef string) (ports.SandboxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return ports.SandboxHandle{ID: fmt.Sprintf("sb-%d", f.seq), SnapshotRef: snapshotRef, CreatedAt: time.Now()}, nil
}

func (f *fakeProvisioner) Apply(_ context.Context, handle ports.SandboxHandle, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied == nil {
		f.applied = make(map[string]bool)
	}
	f.applied[handle.ID] = true
	return nil
}

func (f *fakeProvisioner) Teardown(context.Context, ports.SandboxHandle) error { return nil }

func (f *fakeProvisioner) isApplied(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied[id]
}

// fakeExecutor answers every query with the same shape unless the change
// was applied to the sandbox and breakOnApply is set.
type fakeExecutor struct {
	prov         *fakeProvisioner
	breakOnApply bool
}

func (f *fakeExecutor) Execute(_ context.Context, handle ports.SandboxHandle, _ ports.RecordedQuery) (ports.QueryOutcome, error) {
	shape := "name:string"
	if f.breakOnApply && f.prov.isApplied(handle.ID) {
		shape = "name:null"
	}
	return ports.QueryOutcome{ShapeSignature: shape, Rows: 1, Latency: 10 * time.Millisecond}, nil
}

type fakeTrafficRouter struct {
	mu     sync.Mutex
	stages map[string]int
	shifts []string
}

func (f *fakeTrafficRouter) Shift(_ context.Context, version string, proposalID string, percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stages == nil {
		f.stages = make(map[string]int)
	}
	f.stages[version] = percent
	f.shifts = append(f.shifts, fmt.Sprintf("%s %d", proposalID[:8], percent))
	return nil
}

func (f *fakeTrafficRouter) stage(version string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stages[version]
}

// fakeHealth reports a degraded error rate once traffic for a version
// reaches degradeAt.
type fakeHealth struct {
	router    *fakeTrafficRouter
	mu        sync.Mutex
	degradeAt int
}

func (f *fakeHealth) Sample(_ context.Context, version string) (ports.HealthReading, error) {
	f.mu.Lock()
	degradeAt := f.degradeAt
	f.mu.Unlock()
	if degradeAt > 0 && f.router.stage(version) >= degradeAt {
		return ports.HealthReading{ErrorRate: 0.2, P95Ms: 100, At: time.Now()}, nil
	}
	return ports.HealthReading{ErrorRate: 0.01, P95Ms: 100, At: time.Now()}, nil
}

func (f *fakeHealth) Window(context.Context, string, time.Time, time.Time) (ports.HealthReading, error) {
	return ports.HealthReading{ErrorRate: 0.01, P95Ms: 100, At: time.Now()}, nil
}

type fakeCompiler struct {
	mu      sync.Mutex
	applies int
	reverts int
}

func (f *fakeCompiler) Apply(context.Context, ports.SchemaChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies++
	return nil
}

func (f *fakeCompiler) Revert(context.Context, ports.SchemaChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverts++
	return nil
}

func (f *fakeCompiler) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applies, f.reverts
}

type fakeNotifier struct {
	mu        sync.Mutex
	failFirst int
	published []ports.Notification
}

func (f *fakeNotifier) Publish(_ context.Context, n ports.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return errors.New("nats unavailable")
	}
	f.published = append(f.published, n)
	return nil
}

func (f *fakeNotifier) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.published))
	for _, n := range f.published {
		out = append(out, n.Kind)
	}
	return out
}

// flakyRepo fails selected writes a fixed number of times.
type flakyRepo struct {
	ports.PipelineRepository
	mu                sync.Mutex
	failReports       int
	failTransitionsTo string
	failTransitions   int
}

func (f *flakyRepo) CreateImpactReport(ctx context.Context, report ports.ImpactReportRecord) (ports.ImpactReportRecord, error) {
	f.mu.Lock()
	fail := f.failReports > 0
	if fail {
		f.failReports--
	}
	f.mu.Unlock()
	if fail {
		return ports.ImpactReportRecord{}, errors.New("disk I/O error")
	}
	return f.PipelineRepository.CreateImpactReport(ctx, report)
}

func (f *flakyRepo) TransitionLifecycle(ctx context.Context, in ports.LifecycleTransition) error {
	f.mu.Lock()
	fail := in.To == f.failTransitionsTo && f.failTransitions > 0
	if fail {
		f.failTransitions--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return f.PipelineRepository.TransitionLifecycle(ctx, in)
}

type harness struct {
	svc       *Service
	repo      *sqliterepo.PipelineRepository
	sandboxes *sandbox.Manager
	executor  *fakeExecutor
	router    *fakeTrafficRouter
	health    *fakeHealth
	compiler  *fakeCompiler
	notifier  *fakeNotifier
}

type harnessOptions struct {
	dwell time.Duration
	flaky *flakyRepo
}

func newHarness(t *testing.T, opts ...func(*harnessOptions)) *harness {
	t.Helper()

	o := harnessOptions{dwell: 30 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}

	dsn := filepath.Join(t.TempDir(), "pipeline.sqlite")
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(model.All()...))

	repo := sqliterepo.NewPipelineRepository(db)
	var pipelineRepo ports.PipelineRepository = repo
	if o.flaky != nil {
		o.flaky.PipelineRepository = repo
		pipelineRepo = o.flaky
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	profile := impact.DefaultProfile()
	approvals, err := approval.NewRouter(profile.Policies())
	require.NoError(t, err)

	prov := &fakeProvisioner{}
	executor := &fakeExecutor{prov: prov}
	trafficRouter := &fakeTrafficRouter{}
	health := &fakeHealth{router: trafficRouter}
	compiler := &fakeCompiler{}
	notifier := &fakeNotifier{}

	sandboxes := sandbox.NewManager(prov, sandbox.Config{
		PoolSize:       1,
		AcquireTimeout: 20 * time.Millisecond,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, metrics)
	engine := replay.NewEngine(executor, replay.Config{Concurrency: 4, Timeout: 5 * time.Second, QueryTimeout: time.Second}, metrics)
	deployer := deployment.NewOrchestrator(repo, health, compiler, trafficRouter, nil, deployment.Config{
		Stages:         []int{5, 25, 50, 100},
		Dwell:          o.dwell,
		SampleInterval: 5 * time.Millisecond,
		BaselineWindow: time.Minute,
		Tolerance:      domain.Tolerance{ErrorRate: 0.01, Latency: 0.20},
	}, metrics)
	collector := feedback.NewCollector(health, feedback.Config{
		Delay:                7 * 24 * time.Hour,
		MinRecords:           2,
		MissedIssueErrorRate: 0.05,
		AccuracyTolerance:    0.10,
	})

	svc := NewService(Config{
		MaxConcurrentSimulations: 1,
		ApprovalTimeout:          48 * time.Hour,
		TopN:                     10,
		RandomN:                  10,
		Seed:                     1,
		SeedWeights:              profile.Weights,
	}, Deps{
		Repo:    pipelineRepo,
		UoW:     sqliteuow.NewUnitOfWork(db),
		Traffic: &fakeTraffic{queries: []ports.RecordedQuery{
			{Query: "MATCH (p:Person {name: 'Ann'}) RETURN p", Count: 30},
			{Query: "MATCH (p:Person)-[:KNOWS]->(f) RETURN f LIMIT 10", Count: 10},
		}},
		Sandboxes: sandboxes,
		Replayer:  engine,
		Analyzer:  impact.NewAnalyzer(profile, metrics),
		Router:    approvals,
		Deployer:  deployer,
		Collector: collector,
		Notifier:  notifier,
		Metrics:   metrics,
	})
	t.Cleanup(func() {
		svc.Wait()
		_ = svc.ReleaseLease(context.Background())
	})

	return &harness{
		svc:       svc,
		repo:      repo,
		sandboxes: sandboxes,
		executor:  executor,
		router:    trafficRouter,
		health:    health,
		compiler:  compiler,
		notifier:  notifier,
	}
}

func withDwell(d time.Duration) func(*harnessOptions) {
	return func(o *harnessOptions) { o.dwell = d }
}

func withFlakyRepo(f *flakyRepo) func(*harnessOptions) {
	return func(o *harnessOptions) { o.flaky = f }
}

// secondRunner builds another service over the same database, as a second
// process would.
func (h *harness) secondRunner(t *testing.T) *Service {
	t.Helper()
	other := NewService(h.svc.cfg, h.svc.deps)
	t.Cleanup(func() {
		other.Wait()
		_ = other.ReleaseLease(context.Background())
	})
	return other
}

func proposalInput(version string, kind domain.ChangeKind) domain.ProposalInput {
	return domain.ProposalInput{
		TargetVersion: version,
		Kind:          kind,
		Payload: domain.Payload{
			Entity:           "Person",
			Field:            "email",
			Statements:       []string{"CREATE INDEX person_email IF NOT EXISTS FOR (p:Person) ON (p.email)"},
			RevertStatements: []string{"DROP INDEX person_email IF EXISTS"},
		},
		Provenance: domain.Provenance{ProducedBy: "usage-analyzer", ProducedVia: "heuristic", Rationale: "email lookups dominate"},
	}
}

func (h *harness) submit(t *testing.T, version string, kind domain.ChangeKind) string {
	t.Helper()
	id, err := h.svc.Submit(context.Background(), proposalInput(version, kind))
	require.NoError(t, err)
	return id
}

func (h *harness) tick(t *testing.T) TickReport {
	t.Helper()
	report, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)
	return report
}

func (h *harness) state(t *testing.T, id string) Detail {
	t.Helper()
	detail, err := h.svc.GetState(context.Background(), id)
	require.NoError(t, err)
	return detail
}

// shiftClock moves the service clock forward by d.
func (h *harness) shiftClock(d time.Duration) {
	h.svc.now = func() time.Time { return time.Now().Add(d) }
}
