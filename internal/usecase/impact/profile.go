package impact

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
)

type scoringConfig struct {
	PerfCap          float64 `toml:"perf_cap"`
	MaxMigrationRows int64   `toml:"max_migration_rows"`
}

type policyConfig struct {
	Required    int      `toml:"required"`
	Roles       []string `toml:"roles"`
	AutoApprove bool     `toml:"auto_approve"`
}

// Profile is the risk profile: the seed weights, scoring caps, per-kind base
// risk and the approval policy of every risk level.
type Profile struct {
	Version  int                     `toml:"version"`
	Weights  pipeline.Weights        `toml:"weights"`
	Scoring  scoringConfig           `toml:"scoring"`
	KindRisk map[string]float64      `toml:"kind_risk"`
	Approval map[string]policyConfig `toml:"approval"`
}

func DefaultProfile() Profile {
	kindRisk := make(map[string]float64)
	for kind, risk := range pipeline.DefaultKindRisk() {
		kindRisk[string(kind)] = risk
	}
	return Profile{
		Version:  1,
		Weights:  pipeline.DefaultWeights(),
		Scoring:  scoringConfig{PerfCap: 1.0, MaxMigrationRows: 10_000_000},
		KindRisk: kindRisk,
		Approval: map[string]policyConfig{
			string(pipeline.RiskSafe):     {Required: 0, AutoApprove: true},
			string(pipeline.RiskLow):      {Required: 1, Roles: []string{"ontology-admin"}},
			string(pipeline.RiskMedium):   {Required: 2, Roles: []string{"ontology-admin", "lead-engineer"}},
			string(pipeline.RiskHigh):     {Required: 3, Roles: []string{"ontology-admin", "lead-engineer", "lead-architect"}},
			string(pipeline.RiskCritical): {Required: 4, Roles: []string{"ontology-admin", "lead-architect", "domain-expert", "cto"}},
		},
	}
}

// LoadProfile reads a TOML risk profile on top of the defaults. An empty
// path returns the defaults.
func LoadProfile(path string) (Profile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultProfile(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, errs.Wrap(err, "read risk profile")
	}
	return ParseProfile(raw)
}

func ParseProfile(raw []byte) (Profile, error) {
	profile := DefaultProfile()
	if err := toml.Unmarshal(raw, &profile); err != nil {
		return Profile{}, errs.Wrap(err, "decode risk profile")
	}
	if err := profile.Validate(); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

func (p Profile) Validate() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported risk profile version %d: expected version = 1", p.Version)
	}
	if err := p.Weights.Validate(); err != nil {
		return errs.Wrap(err, "weights")
	}
	if p.Scoring.PerfCap <= 0 {
		return errors.New("scoring.perf_cap must be positive")
	}
	if p.Scoring.MaxMigrationRows <= 0 {
		return errors.New("scoring.max_migration_rows must be positive")
	}
	for _, kind := range pipeline.ChangeKinds() {
		risk, ok := p.KindRisk[string(kind)]
		if !ok {
			return fmt.Errorf("kind_risk.%s is required", kind)
		}
		if risk < 0 || risk > 100 {
			return fmt.Errorf("kind_risk.%s must be within [0,100]", kind)
		}
	}
	for _, level := range pipeline.RiskLevels() {
		policy, ok := p.Approval[string(level)]
		if !ok {
			return fmt.Errorf("approval.%s is required", level)
		}
		if policy.Required < 0 {
			return fmt.Errorf("approval.%s.required must not be negative", level)
		}
		if policy.AutoApprove && policy.Required > 0 {
			return fmt.Errorf("approval.%s: auto_approve requires required = 0", level)
		}
		if !policy.AutoApprove && policy.Required == 0 {
			return fmt.Errorf("approval.%s: required = 0 needs auto_approve = true", level)
		}
		if len(policy.Roles) > policy.Required {
			return fmt.Errorf("approval.%s lists more roles than required approvals", level)
		}
	}
	return nil
}

// Policies returns the approval policy per risk level.
func (p Profile) Policies() map[pipeline.RiskLevel]pipeline.Policy {
	out := make(map[pipeline.RiskLevel]pipeline.Policy, len(p.Approval))
	for _, level := range pipeline.RiskLevels() {
		cfg := p.Approval[string(level)]
		roles := make([]string, 0, len(cfg.Roles))
		for _, role := range cfg.Roles {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
		out[level] = pipeline.Policy{
			Level:         level,
			Required:      cfg.Required,
			RequiredRoles: roles,
			AutoApprove:   cfg.AutoApprove,
		}
	}
	return out
}

func (p Profile) kindRisk(kind pipeline.ChangeKind) float64 {
	if risk, ok := p.KindRisk[string(kind)]; ok {
		return risk
	}
	return 100
}
