package ports

import (
	"context"
	"errors"
)

var (
	ErrRecordNotFound = errors.New("pipeline record not found")
	// ErrStaleState is returned when a conditional lifecycle update matched no row.
	ErrStaleState = errors.New("lifecycle state changed concurrently")
)

type ProposalRecord struct {
	ProposalID     string
	TargetVersion  string
	Kind           string
	PayloadJSON    string
	ProducedBy     string
	ProducedVia    string
	Rationale      string
	ProducedAt     string
	ResubmissionOf string
	CreatedAt      string
}

type LifecycleRecord struct {
	ProposalID     string
	TargetVersion  string
	State          string
	Reason         string
	RiskScore      *float64
	RiskLevel      string
	ReportID       *uint64
	EnteredStateAt string
	CreatedAt      string
	UpdatedAt      string
}

type LifecycleFilter struct {
	States        []string
	TargetVersion string
	// EnteredBefore keeps rows whose entered_state_at sorts before this timestamp.
	EnteredBefore string
	Limit         int
}

// LifecycleTransition moves one lifecycle row from From to To when it is still in From.
type LifecycleTransition struct {
	ProposalID string
	From       string
	To         string
	Reason     string
	Actor      string
	At         string
	RiskScore  *float64
	RiskLevel  string
	ReportID   *uint64
}

type TransitionRecord struct {
	TransitionID uint64
	ProposalID   string
	FromState    string
	ToState      string
	Reason       string
	Actor        string
	CreatedAt    string
}

type ImpactReportRecord struct {
	ReportID         uint64
	ProposalID       string
	Verdict          string
	BreakingJSON     string
	PerfDelta        float64
	ClassDeltasJSON  string
	MigrationRows    int64
	BreakingScore    float64
	PerformanceScore float64
	MigrationScore   float64
	KindScore        float64
	RiskScore        float64
	RiskLevel        string
	WeightsVersion   uint64
	QueriesSampled   int
	CreatedAt        string
}

type ApprovalDecisionRecord struct {
	ProposalID string
	Reviewer   string
	Role       string
	Verdict    string
	Comment    string
	DecidedAt  string
}

type DeploymentRecord struct {
	DeploymentID      uint64
	ProposalID        string
	TargetVersion     string
	Attempt           int
	Stage             int
	Outcome           string
	RollbackReason    string
	BaselineErrorRate float64
	BaselineP95Ms     float64
	MigrationJobID    string
	StartedAt         string
	ClosedAt          string
	TrafficRevertedAt string
	SchemaRevertedAt  string
}

type HealthSampleRecord struct {
	DeploymentID uint64
	Seq          int
	Stage        int
	ErrorRate    float64
	P95Ms        float64
	SampledAt    string
}

type FeedbackReportRecord struct {
	FeedbackID       uint64
	ProposalID       string
	DeploymentID     uint64
	PredictedDelta   float64
	ObservedDelta    float64
	PredictionError  float64
	ErrorRateDelta   float64
	SideEffectsJSON  string
	AdjBreaking      float64
	AdjPerformance   float64
	AdjMigration     float64
	AdjKind          float64
	AppliedInVersion *uint64
	CreatedAt        string
}

type RiskWeightsRecord struct {
	Version     uint64
	Breaking    float64
	Performance float64
	Migration   float64
	Kind        float64
	Source      string
	Note        string
	CreatedBy   string
	CreatedAt   string
}

type AbortRequestRecord struct {
	AbortID     uint64
	ProposalID  string
	Actor       string
	Reason      string
	RequestedAt string
	HandledAt   string
}

type NotificationRecord struct {
	NotificationID uint64
	EventID        string
	Kind           string
	ProposalID     string
	PayloadJSON    string
	Attempts       int
	LastError      string
	NextAttemptAt  string
	DeliveredAt    string
	CreatedAt      string
}

// LeaseClaim asks for a named lease on behalf of Owner until ExpiresAt.
type LeaseClaim struct {
	Key       string
	Owner     string
	Now       string
	ExpiresAt string
}

type PipelineReadRepository interface {
	GetProposal(ctx context.Context, proposalID string) (ProposalRecord, error)
	GetLifecycle(ctx context.Context, proposalID string) (LifecycleRecord, error)
	ListLifecycles(ctx context.Context, filter LifecycleFilter) ([]LifecycleRecord, error)
	ListTransitions(ctx context.Context, proposalID string) ([]TransitionRecord, error)
	GetImpactReport(ctx context.Context, reportID uint64) (ImpactReportRecord, error)
	ListImpactReports(ctx context.Context, proposalID string) ([]ImpactReportRecord, error)
	ListApprovalDecisions(ctx context.Context, proposalID string) ([]ApprovalDecisionRecord, error)
	// CountSlotHolders counts lifecycles of the version in deploying or monitoring.
	CountSlotHolders(ctx context.Context, targetVersion string) (int64, error)
	GetDeployment(ctx context.Context, deploymentID uint64) (DeploymentRecord, error)
	GetLatestDeployment(ctx context.Context, proposalID string) (DeploymentRecord, error)
	ListHealthSamples(ctx context.Context, deploymentID uint64) ([]HealthSampleRecord, error)
	GetFeedbackReport(ctx context.Context, proposalID string) (FeedbackReportRecord, error)
	ListUnappliedFeedback(ctx context.Context) ([]FeedbackReportRecord, error)
	GetLatestRiskWeights(ctx context.Context) (RiskWeightsRecord, error)
	GetPendingAbort(ctx context.Context, proposalID string) (AbortRequestRecord, error)
	ListDueNotifications(ctx context.Context, now string, limit int) ([]NotificationRecord, error)
}

type PipelineRepository interface {
	PipelineReadRepository
	CreateProposal(ctx context.Context, proposal ProposalRecord) error
	CreateLifecycle(ctx context.Context, lifecycle LifecycleRecord) error
	TransitionLifecycle(ctx context.Context, input LifecycleTransition) error
	CreateImpactReport(ctx context.Context, report ImpactReportRecord) (ImpactReportRecord, error)
	UpsertApprovalDecision(ctx context.Context, decision ApprovalDecisionRecord) error
	CreateDeployment(ctx context.Context, deployment DeploymentRecord) (DeploymentRecord, error)
	UpdateDeployment(ctx context.Context, deployment DeploymentRecord) error
	AppendHealthSample(ctx context.Context, sample HealthSampleRecord) error
	CreateFeedbackReport(ctx context.Context, report FeedbackReportRecord) (bool, error)
	MarkFeedbackApplied(ctx context.Context, feedbackIDs []uint64, version uint64) error
	CreateRiskWeights(ctx context.Context, weights RiskWeightsRecord) (RiskWeightsRecord, error)
	CreateAbortRequest(ctx context.Context, request AbortRequestRecord) (AbortRequestRecord, error)
	MarkAbortHandled(ctx context.Context, abortID uint64, handledAt string) error
	EnqueueNotification(ctx context.Context, notification NotificationRecord) error
	MarkNotificationDelivered(ctx context.Context, notificationID uint64, deliveredAt string) error
	MarkNotificationFailed(ctx context.Context, notificationID uint64, lastError string, nextAttemptAt string) error
	// AcquireLease takes or renews a lease. It reports false while another
	// owner holds an unexpired lease on the key.
	AcquireLease(ctx context.Context, claim LeaseClaim) (bool, error)
	ReleaseLease(ctx context.Context, key string, owner string) error
}
