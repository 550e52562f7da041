package approval

import (
	"fmt"
	"sort"
	"strings"

	"schemapilot/internal/domain/pipeline"
)

// Router maps a risk level to its approval policy.
type Router struct {
	policies map[pipeline.RiskLevel]pipeline.Policy
}

func NewRouter(policies map[pipeline.RiskLevel]pipeline.Policy) (*Router, error) {
	for _, level := range pipeline.RiskLevels() {
		if _, ok := policies[level]; !ok {
			return nil, fmt.Errorf("approval policy for %s is missing", level)
		}
	}
	copied := make(map[pipeline.RiskLevel]pipeline.Policy, len(policies))
	for level, policy := range policies {
		copied[level] = policy
	}
	return &Router{policies: copied}, nil
}

// Route returns the policy of the report's risk level. The level is derived
// from the score again so a stale stored level cannot loosen the policy.
func (r *Router) Route(report pipeline.ImpactReport) pipeline.Policy {
	level := pipeline.LevelFor(report.RiskScore)
	return r.policies[level]
}

func (r *Router) PolicyFor(level pipeline.RiskLevel) (pipeline.Policy, bool) {
	policy, ok := r.policies[level]
	return policy, ok
}

// Evaluate reduces the decisions of one proposal to an approval state. Any
// reject wins. Otherwise the approvals must reach the required count and
// cover every required role. Abstentions count for nothing.
func Evaluate(policy pipeline.Policy, decisions []pipeline.Decision) pipeline.ApprovalState {
	approvals := 0
	approvedRoles := make(map[string]struct{})
	for _, d := range decisions {
		switch d.Verdict {
		case pipeline.DecisionReject:
			return pipeline.ApprovalRejected
		case pipeline.DecisionApprove:
			approvals++
			approvedRoles[strings.TrimSpace(d.Role)] = struct{}{}
		}
	}

	if policy.AutoApprove {
		return pipeline.ApprovalGranted
	}
	if approvals < policy.Required {
		return pipeline.ApprovalPending
	}
	for _, role := range policy.RequiredRoles {
		if _, ok := approvedRoles[role]; !ok {
			return pipeline.ApprovalPending
		}
	}
	return pipeline.ApprovalGranted
}

// MissingRoles lists the required roles without an approval yet, sorted.
func MissingRoles(policy pipeline.Policy, decisions []pipeline.Decision) []string {
	approved := make(map[string]struct{})
	for _, d := range decisions {
		if d.Verdict == pipeline.DecisionApprove {
			approved[strings.TrimSpace(d.Role)] = struct{}{}
		}
	}
	missing := make([]string, 0)
	for _, role := range policy.RequiredRoles {
		if _, ok := approved[role]; !ok {
			missing = append(missing, role)
		}
	}
	sort.Strings(missing)
	return missing
}
