package pipeline

import (
	"schemapilot/internal/errs"
)

// Taxonomy codes are stable identifiers surfaced by the CLI and HTTP API.
const (
	CodeSandboxProvision       = "SandboxProvisionError"
	CodeReplayTimeout          = "ReplayTimeoutError"
	CodeSchemaCompilation      = "SchemaCompilationError"
	CodeHealthCheckUnavailable = "HealthCheckUnavailableError"
	CodeApprovalTimeout        = "ApprovalTimeoutError"
	CodeConcurrentDeployment   = "ConcurrentDeploymentConflict"
	CodeInvalidTransition      = "InvalidTransition"
	CodeProposalNotFound       = "ProposalNotFound"
	CodeInvalidProposal        = "InvalidProposal"
	CodeApprovalClosed         = "ApprovalClosed"
	CodeInsufficientFeedback   = "InsufficientFeedback"
	CodeRunnerBusy             = "RunnerBusy"
)

var (
	ErrSandboxProvision       = errs.NewCoded(CodeSandboxProvision, "sandbox provision failed")
	ErrReplayTimeout          = errs.NewCoded(CodeReplayTimeout, "query replay timed out")
	ErrSchemaCompilation      = errs.NewCoded(CodeSchemaCompilation, "schema compilation failed")
	ErrHealthCheckUnavailable = errs.NewCoded(CodeHealthCheckUnavailable, "health signal unavailable")
	ErrApprovalTimeout        = errs.NewCoded(CodeApprovalTimeout, "approval timeout")
	ErrConcurrentDeployment   = errs.NewCoded(CodeConcurrentDeployment, "another deployment holds the slot for this schema version")
	ErrInvalidTransition      = errs.NewCoded(CodeInvalidTransition, "invalid lifecycle transition")
	ErrProposalNotFound       = errs.NewCoded(CodeProposalNotFound, "proposal not found")
	ErrInvalidProposal        = errs.NewCoded(CodeInvalidProposal, "invalid proposal")
	ErrApprovalClosed         = errs.NewCoded(CodeApprovalClosed, "approval stage is closed")
	ErrInsufficientFeedback   = errs.NewCoded(CodeInsufficientFeedback, "not enough feedback for recalibration")
	ErrRunnerBusy             = errs.NewCoded(CodeRunnerBusy, "another pipeline runner holds the lease")
)

// ExitCode maps a taxonomy code to the process exit status.
func ExitCode(code string) int {
	switch code {
	case "":
		return 1
	case CodeSandboxProvision:
		return 10
	case CodeReplayTimeout:
		return 11
	case CodeSchemaCompilation:
		return 12
	case CodeHealthCheckUnavailable:
		return 13
	case CodeApprovalTimeout:
		return 14
	case CodeConcurrentDeployment:
		return 15
	case CodeInvalidTransition:
		return 20
	case CodeProposalNotFound:
		return 21
	case CodeInvalidProposal:
		return 22
	case CodeApprovalClosed:
		return 23
	case CodeInsufficientFeedback:
		return 24
	case CodeRunnerBusy:
		return 25
	default:
		return 1
	}
}
