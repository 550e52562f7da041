package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"schemapilot/internal/bootstrap/logging"
	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

// Submit validates and stores a proposal in state proposed. Simulation
// happens on a later tick.
func (s *Service) Submit(ctx context.Context, input domain.ProposalInput) (string, error) {
	if err := s.checkContext(ctx); err != nil {
		return "", err
	}
	return s.create(ctx, input, "")
}

// Resubmit stores a modified proposal linked to a previous one that ended
// in rejected, simulation_failed or rolled_back.
func (s *Service) Resubmit(ctx context.Context, previousID string, input domain.ProposalInput) (string, error) {
	if err := s.checkContext(ctx); err != nil {
		return "", err
	}
	previousID = strings.TrimSpace(previousID)
	if previousID == "" {
		return "", fmt.Errorf("%w: previous proposal id is required", domain.ErrInvalidProposal)
	}

	lifecycle, err := s.lifecycle(ctx, previousID)
	if err != nil {
		return "", err
	}
	state := domain.State(lifecycle.State)
	if !state.Resubmittable() {
		return "", fmt.Errorf("%w: proposal %s is %s; only rejected, simulation_failed or rolled_back proposals can be resubmitted", domain.ErrInvalidTransition, previousID, state)
	}
	return s.create(ctx, input, previousID)
}

func (s *Service) create(ctx context.Context, input domain.ProposalInput, resubmissionOf string) (string, error) {
	input.Normalize()
	if err := input.Validate(); err != nil {
		return "", err
	}

	payload, err := json.Marshal(input.Payload)
	if err != nil {
		return "", errs.Wrap(err, "encode proposal payload")
	}

	id := uuid.NewString()
	now := ports.FormatTime(s.now())
	err = s.deps.UoW.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.deps.Repo.CreateProposal(txCtx, ports.ProposalRecord{
			ProposalID:     id,
			TargetVersion:  input.TargetVersion,
			Kind:           string(input.Kind),
			PayloadJSON:    string(payload),
			ProducedBy:     input.Provenance.ProducedBy,
			ProducedVia:    input.Provenance.ProducedVia,
			Rationale:      input.Provenance.Rationale,
			ProducedAt:     now,
			ResubmissionOf: resubmissionOf,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		return s.deps.Repo.CreateLifecycle(txCtx, ports.LifecycleRecord{
			ProposalID:     id,
			TargetVersion:  input.TargetVersion,
			State:          string(domain.StateProposed),
			EnteredStateAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	})
	if err != nil {
		return "", errs.Wrap(err, "store proposal")
	}

	attrs := []slog.Attr{
		slog.String("proposal_id", id),
		slog.String("target_version", input.TargetVersion),
		slog.String("kind", string(input.Kind)),
		slog.String("produced_by", input.Provenance.ProducedBy),
	}
	if resubmissionOf != "" {
		attrs = append(attrs, slog.String("resubmission_of", resubmissionOf))
	}
	logging.Info(logging.WithAttrs(ctx, slog.String("component", "usecase.pipeline")), "proposal submitted", attrs...)
	return id, nil
}

func (s *Service) lifecycle(ctx context.Context, proposalID string) (ports.LifecycleRecord, error) {
	lifecycle, err := s.deps.Repo.GetLifecycle(ctx, proposalID)
	if err != nil {
		if errors.Is(err, ports.ErrRecordNotFound) {
			return ports.LifecycleRecord{}, fmt.Errorf("%w: %s", domain.ErrProposalNotFound, proposalID)
		}
		return ports.LifecycleRecord{}, err
	}
	return lifecycle, nil
}

func (s *Service) proposal(ctx context.Context, proposalID string) (domain.Proposal, error) {
	record, err := s.deps.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, ports.ErrRecordNotFound) {
			return domain.Proposal{}, fmt.Errorf("%w: %s", domain.ErrProposalNotFound, proposalID)
		}
		return domain.Proposal{}, err
	}
	return proposalFromRecord(record)
}

func proposalFromRecord(record ports.ProposalRecord) (domain.Proposal, error) {
	var payload domain.Payload
	if err := json.Unmarshal([]byte(record.PayloadJSON), &payload); err != nil {
		return domain.Proposal{}, errs.Wrapf(err, "decode payload of proposal %s", record.ProposalID)
	}
	producedAt, err := ports.ParseTime(record.ProducedAt)
	if err != nil {
		return domain.Proposal{}, errs.Wrapf(err, "parse produced_at of proposal %s", record.ProposalID)
	}
	return domain.Proposal{
		ID:            record.ProposalID,
		TargetVersion: record.TargetVersion,
		Kind:          domain.ChangeKind(record.Kind),
		Payload:       payload,
		Provenance: domain.Provenance{
			ProducedBy:  record.ProducedBy,
			ProducedVia: record.ProducedVia,
			Rationale:   record.Rationale,
		},
		ProducedAt:     producedAt,
		ResubmissionOf: record.ResubmissionOf,
	}, nil
}
