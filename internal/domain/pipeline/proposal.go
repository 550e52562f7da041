package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ChangeKind is the category of a schema change.
type ChangeKind string

const (
	KindAddRelationship   ChangeKind = "add-relationship"
	KindAddIndex          ChangeKind = "add-index"
	KindAddComputedField  ChangeKind = "add-computed-field"
	KindAddValidationRule ChangeKind = "add-validation-rule"
	KindMergeEntities     ChangeKind = "merge-entities"
	KindDeprecateEntity   ChangeKind = "deprecate-entity"
)

func ChangeKinds() []ChangeKind {
	return []ChangeKind{
		KindAddRelationship,
		KindAddIndex,
		KindAddComputedField,
		KindAddValidationRule,
		KindMergeEntities,
		KindDeprecateEntity,
	}
}

// BackfillStrategy controls how migrated rows are written.
type BackfillStrategy string

const (
	BackfillSync  BackfillStrategy = "sync"
	BackfillAsync BackfillStrategy = "async"
	BackfillLazy  BackfillStrategy = "lazy"
)

// Migration describes the data backfill a change needs.
type Migration struct {
	Required        bool             `json:"required" yaml:"required"`
	AffectedRecords int64            `json:"affected_records,omitempty" yaml:"affected_records" validate:"gte=0"`
	Backfill        BackfillStrategy `json:"backfill,omitempty" yaml:"backfill" validate:"omitempty,oneof=sync async lazy" jsonschema:"enum=sync,enum=async,enum=lazy"`
	Scripts         []string         `json:"scripts,omitempty" yaml:"scripts"`
}

// Payload is the structured change body handed to the sandbox and the schema compiler.
type Payload struct {
	Entity           string    `json:"entity,omitempty" yaml:"entity"`
	TargetEntity     string    `json:"target_entity,omitempty" yaml:"target_entity"`
	Relationship     string    `json:"relationship,omitempty" yaml:"relationship"`
	Field            string    `json:"field,omitempty" yaml:"field"`
	Expression       string    `json:"expression,omitempty" yaml:"expression"`
	Statements       []string  `json:"statements" yaml:"statements" validate:"required,min=1,dive,required"`
	RevertStatements []string  `json:"revert_statements,omitempty" yaml:"revert_statements" validate:"dive,required"`
	Migration        Migration `json:"migration" yaml:"migration"`
}

// Provenance records who or what produced a proposal.
type Provenance struct {
	ProducedBy  string `json:"produced_by" yaml:"produced_by" validate:"required"`
	ProducedVia string `json:"produced_via" yaml:"produced_via" validate:"required,oneof=human heuristic model" jsonschema:"enum=human,enum=heuristic,enum=model"`
	Rationale   string `json:"rationale,omitempty" yaml:"rationale"`
}

// ProposalInput is the submission document accepted from a proposal generator.
type ProposalInput struct {
	TargetVersion string     `json:"target_version" yaml:"target_version" validate:"required,max=128"`
	Kind          ChangeKind `json:"kind" yaml:"kind" validate:"required,oneof=add-relationship add-index add-computed-field add-validation-rule merge-entities deprecate-entity" jsonschema:"enum=add-relationship,enum=add-index,enum=add-computed-field,enum=add-validation-rule,enum=merge-entities,enum=deprecate-entity"`
	Payload       Payload    `json:"payload" yaml:"payload"`
	Provenance    Provenance `json:"provenance" yaml:"provenance"`
}

// Proposal is an immutable candidate change.
type Proposal struct {
	ID             string
	TargetVersion  string
	Kind           ChangeKind
	Payload        Payload
	Provenance     Provenance
	ProducedAt     time.Time
	ResubmissionOf string
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func proposalValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Normalize trims identifiers in place.
func (in *ProposalInput) Normalize() {
	in.TargetVersion = strings.TrimSpace(in.TargetVersion)
	in.Kind = ChangeKind(strings.ToLower(strings.TrimSpace(string(in.Kind))))
	in.Provenance.ProducedBy = strings.TrimSpace(in.Provenance.ProducedBy)
	in.Provenance.ProducedVia = strings.ToLower(strings.TrimSpace(in.Provenance.ProducedVia))
	in.Payload.Migration.Backfill = BackfillStrategy(strings.ToLower(strings.TrimSpace(string(in.Payload.Migration.Backfill))))
}

// Validate checks struct rules and the cross-field migration rules.
func (in ProposalInput) Validate() error {
	if err := proposalValidator().Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidProposal, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}

	m := in.Payload.Migration
	if m.Required && m.Backfill == "" {
		return fmt.Errorf("%w: migration.backfill is required when migration.required is true", ErrInvalidProposal)
	}
	if !m.Required && (len(m.Scripts) > 0 || m.AffectedRecords > 0) {
		return fmt.Errorf("%w: migration scripts or affected_records given without migration.required", ErrInvalidProposal)
	}
	return nil
}
