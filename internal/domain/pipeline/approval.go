package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// DecisionVerdict is a reviewer vote.
type DecisionVerdict string

const (
	DecisionApprove DecisionVerdict = "approve"
	DecisionReject  DecisionVerdict = "reject"
	DecisionAbstain DecisionVerdict = "abstain"
)

func ParseDecisionVerdict(raw string) (DecisionVerdict, error) {
	switch v := DecisionVerdict(strings.ToLower(strings.TrimSpace(raw))); v {
	case DecisionApprove, DecisionReject, DecisionAbstain:
		return v, nil
	default:
		return "", fmt.Errorf("%w: unknown verdict %q", ErrInvalidTransition, raw)
	}
}

// Decision is one reviewer's verdict on a proposal.
type Decision struct {
	Reviewer  string
	Role      string
	Verdict   DecisionVerdict
	Comment   string
	DecidedAt time.Time
}

// Policy is the approval requirement derived from a risk level.
type Policy struct {
	Level         RiskLevel
	Required      int
	RequiredRoles []string
	AutoApprove   bool
}

// ApprovalState is the evaluated approval stage.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalGranted  ApprovalState = "granted"
	ApprovalRejected ApprovalState = "rejected"
)
