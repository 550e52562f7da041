package ports

import (
	"context"
	"time"
)

// SandboxHandle identifies one provisioned sandbox environment.
type SandboxHandle struct {
	ID          string
	Database    string
	SnapshotRef string
	CreatedAt   time.Time
}

// SandboxProvisioner creates and destroys isolated replicas of the live schema.
type SandboxProvisioner interface {
	Provision(ctx context.Context, snapshotRef string) (SandboxHandle, error)
	Apply(ctx context.Context, handle SandboxHandle, statements []string) error
	Teardown(ctx context.Context, handle SandboxHandle) error
}

// RecordedQuery is one query execution captured from live traffic.
type RecordedQuery struct {
	Query     string         `json:"query"`
	Params    map[string]any `json:"params,omitempty"`
	LatencyMs float64        `json:"latency_ms"`
	Count     int            `json:"count,omitempty"`
}

// QueryOutcome is the observable result of running one query in a sandbox.
type QueryOutcome struct {
	ShapeSignature string
	Rows           int
	Latency        time.Duration
}

type QueryExecutor interface {
	Execute(ctx context.Context, handle SandboxHandle, query RecordedQuery) (QueryOutcome, error)
}

// TrafficSource supplies a recorded traffic sample for a schema version.
type TrafficSource interface {
	Sample(ctx context.Context, targetVersion string) ([]RecordedQuery, error)
}

// HealthReading is an aggregate of live error rate and p95 latency.
type HealthReading struct {
	ErrorRate float64
	P95Ms     float64
	At        time.Time
}

// HealthSource reads the live health-metric stream of a schema version.
type HealthSource interface {
	Sample(ctx context.Context, targetVersion string) (HealthReading, error)
	Window(ctx context.Context, targetVersion string, from time.Time, to time.Time) (HealthReading, error)
}

// SchemaChange is the payload emitted to the schema compiler.
type SchemaChange struct {
	ProposalID       string   `json:"proposal_id"`
	TargetVersion    string   `json:"target_version"`
	Kind             string   `json:"kind"`
	PayloadJSON      string   `json:"-"`
	Statements       []string `json:"statements"`
	RevertStatements []string `json:"revert_statements,omitempty"`
}

// SchemaCompiler applies or reverts the structure of a change in the live system.
type SchemaCompiler interface {
	Apply(ctx context.Context, change SchemaChange) error
	Revert(ctx context.Context, change SchemaChange) error
}

// TrafficRouter sets the share of live traffic served by a deployed change.
type TrafficRouter interface {
	Shift(ctx context.Context, targetVersion string, proposalID string, percent int) error
}

type MigrationStatus string

const (
	MigrationRunning   MigrationStatus = "running"
	MigrationSucceeded MigrationStatus = "succeeded"
	MigrationFailed    MigrationStatus = "failed"
	MigrationCancelled MigrationStatus = "cancelled"
)

type MigrationJob struct {
	ProposalID      string
	TargetVersion   string
	Backfill        string
	Scripts         []string
	AffectedRecords int64
}

type MigrationState struct {
	Status      MigrationStatus
	RowsWritten int64
	Error       string
}

// MigrationRunner executes data backfills as background jobs.
type MigrationRunner interface {
	Start(ctx context.Context, job MigrationJob) (string, error)
	Status(ctx context.Context, jobID string) (MigrationState, error)
	Cancel(ctx context.Context, jobID string) error
}

// Notification is one event for the notification service.
type Notification struct {
	EventID    string
	Kind       string
	ProposalID string
	Payload    []byte
	CreatedAt  time.Time
}

// Notifier delivers pipeline events. Delivery is at-least-once; receivers dedupe by EventID.
type Notifier interface {
	Publish(ctx context.Context, notification Notification) error
}
