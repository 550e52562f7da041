package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"schemapilot/internal/bootstrap"
	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
	"schemapilot/internal/transport/httpapi"
	"schemapilot/internal/usecase/pipeline"
)

var calibrationCmd = &cobra.Command{
	Use:   "calibration",
	Short: "Inspect and apply risk-weight recalibration",
}

var calibrationShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current risk weights and pending feedback",
	RunE: withApp(func(cmd *cobra.Command, _ *bootstrap.App, svc *pipeline.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		status, err := svc.Calibration(ctx)
		if err != nil {
			logging.Error(ctx, "read calibration failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "read calibration")
		}

		w := status.Weights
		if _, err := fmt.Fprintf(
			cmd.OutOrStdout(),
			"weights v%d (%s): breaking=%.4f performance=%.4f migration=%.4f kind=%.4f\n",
			w.Version,
			w.Source,
			w.Breaking,
			w.Performance,
			w.Migration,
			w.Kind,
		); err != nil {
			return errs.Wrap(err, "write calibration output")
		}
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "pending feedback: %d (minimum %d)\n", status.Pending, status.MinRecords); err != nil {
			return errs.Wrap(err, "write calibration output")
		}
		return nil
	}),
}

var calibrationApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Fold pending feedback into a new weights version",
	RunE: withApp(func(cmd *cobra.Command, _ *bootstrap.App, svc *pipeline.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		actor, _ := cmd.Flags().GetString("actor")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		asJSON, _ := cmd.Flags().GetBool("json")

		result, err := svc.Recalibrate(ctx, actor, dryRun)
		if err != nil {
			logging.Error(ctx, "recalibrate failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "recalibrate")
		}

		if asJSON {
			return writeJSONOutput(cmd.OutOrStdout(), httpapi.NewRecalibrationView(result))
		}

		verb := "applied"
		if result.DryRun {
			verb = "dry run"
		}
		prev, next := result.Previous, result.Next
		if _, err := fmt.Fprintf(
			cmd.OutOrStdout(),
			"%s: %d feedback records, v%d -> v%d\n  breaking    %.4f -> %.4f\n  performance %.4f -> %.4f\n  migration   %.4f -> %.4f\n  kind        %.4f -> %.4f\n",
			verb,
			result.Records,
			prev.Version,
			next.Version,
			prev.Breaking, next.Breaking,
			prev.Performance, next.Performance,
			prev.Migration, next.Migration,
			prev.Kind, next.Kind,
		); err != nil {
			return errs.Wrap(err, "write recalibrate output")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(calibrationCmd)
	calibrationCmd.AddCommand(calibrationShowCmd)
	calibrationCmd.AddCommand(calibrationApplyCmd)

	calibrationApplyCmd.Flags().String("actor", "", "Operator applying the recalibration")
	calibrationApplyCmd.Flags().Bool("dry-run", false, "Compute the new weights without writing them")
	calibrationApplyCmd.Flags().Bool("json", false, "Print JSON instead of text")
	_ = calibrationApplyCmd.MarkFlagRequired("actor")
}
