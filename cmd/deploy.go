package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"schemapilot/internal/bootstrap"
	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
	"schemapilot/internal/usecase/pipeline"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Inspect and abort staged rollouts",
}

var deployAbortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Withdraw an approved proposal or stop its rollout",
	RunE: withApp(func(cmd *cobra.Command, _ *bootstrap.App, svc *pipeline.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		id, _ := cmd.Flags().GetString("id")
		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")

		state, err := svc.Abort(ctx, id, pipeline.AbortInput{Actor: actor, Reason: reason})
		if err != nil {
			logging.Error(ctx, "abort deployment failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "abort deployment")
		}

		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "abort accepted: %s state=%s\n", id, state); err != nil {
			return errs.Wrap(err, "write abort output")
		}
		return nil
	}),
}

var deployShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the latest deployment of a proposal and its health samples",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App, svc *pipeline.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))
		out := cmd.OutOrStdout()

		id, _ := cmd.Flags().GetString("id")
		detail, err := svc.GetState(ctx, id)
		if err != nil {
			logging.Error(ctx, "read deployment failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "read deployment")
		}

		dep := detail.Deployment
		if dep == nil {
			if _, err := fmt.Fprintf(out, "%s [%s] has no deployment\n", id, detail.State); err != nil {
				return errs.Wrap(err, "write show output")
			}
			return nil
		}

		if _, err := fmt.Fprintf(
			out,
			"%s [%s] deployment=%d attempt=%d stage=%d%% started=%s\n",
			id,
			detail.State,
			dep.DeploymentID,
			dep.Attempt,
			dep.Stage,
			dep.StartedAt,
		); err != nil {
			return errs.Wrap(err, "write show output")
		}
		if _, err := fmt.Fprintf(out, "baseline: error_rate=%.4f p95_ms=%.1f\n", dep.BaselineErrorRate, dep.BaselineP95Ms); err != nil {
			return errs.Wrap(err, "write show output")
		}
		if dep.Outcome != "" {
			if _, err := fmt.Fprintf(out, "outcome: %s closed=%s\n", dep.Outcome, dep.ClosedAt); err != nil {
				return errs.Wrap(err, "write show output")
			}
		}
		if dep.RollbackReason != "" {
			if _, err := fmt.Fprintf(
				out,
				"rollback: %s traffic_reverted=%s schema_reverted=%s\n",
				dep.RollbackReason,
				dep.TrafficRevertedAt,
				dep.SchemaRevertedAt,
			); err != nil {
				return errs.Wrap(err, "write show output")
			}
		}

		if router := app.Collaborators.Router; router != nil {
			weight, ok, err := router.Current(ctx, detail.Proposal.TargetVersion)
			if err != nil {
				logging.Warn(ctx, "read traffic weight failed", slog.Any("err", errs.Loggable(err)))
			} else if ok {
				if _, err := fmt.Fprintf(out, "live traffic: %d%% to %s (updated %s)\n", weight.Percent, weight.ProposalID, weight.UpdatedAt); err != nil {
					return errs.Wrap(err, "write show output")
				}
			}
		}

		if len(detail.Samples) == 0 {
			return nil
		}
		if _, err := fmt.Fprintln(out, "\nSamples:"); err != nil {
			return errs.Wrap(err, "write show samples")
		}
		for _, sample := range detail.Samples {
			if _, err := fmt.Fprintf(
				out,
				"- #%d stage=%d%% error_rate=%.4f p95_ms=%.1f at=%s\n",
				sample.Seq,
				sample.Stage,
				sample.ErrorRate,
				sample.P95Ms,
				sample.SampledAt,
			); err != nil {
				return errs.Wrap(err, "write show sample")
			}
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.AddCommand(deployAbortCmd)
	deployCmd.AddCommand(deployShowCmd)

	deployAbortCmd.Flags().String("id", "", "Proposal id")
	deployAbortCmd.Flags().String("actor", "", "Operator requesting the abort")
	deployAbortCmd.Flags().String("reason", "", "Abort reason")
	_ = deployAbortCmd.MarkFlagRequired("id")
	_ = deployAbortCmd.MarkFlagRequired("actor")

	deployShowCmd.Flags().String("id", "", "Proposal id")
	_ = deployShowCmd.MarkFlagRequired("id")
}
