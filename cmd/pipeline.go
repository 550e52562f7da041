package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"schemapilot/internal/bootstrap"
	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
	"schemapilot/internal/usecase/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Drive proposals through simulation, approval and deployment",
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline loop",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App, svc *pipeline.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		once, _ := cmd.Flags().GetBool("once")
		pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
		if pollInterval <= 0 {
			pollInterval = app.Config.Pipeline.PollInterval
		}

		if err := requireCollaborators(app); err != nil {
			return err
		}

		if !once {
			return svc.Run(ctx, pollInterval)
		}

		report, err := svc.RunOnce(ctx)
		// Deployments started by this tick run to completion before exit.
		svc.Wait()
		if releaseErr := svc.ReleaseLease(context.WithoutCancel(ctx)); releaseErr != nil {
			logging.Warn(ctx, "release runner lease failed", slog.Any("err", errs.Loggable(releaseErr)))
		}
		if err != nil {
			logging.Error(ctx, "pipeline tick failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "run pipeline tick")
		}
		if _, err := fmt.Fprintf(
			cmd.OutOrStdout(),
			"pipeline tick recovered=%d expired=%d simulated=%d simulation_failed=%d deploys_started=%d deferred=%d reverted=%d feedback=%d notified=%d notify_failed=%d\n",
			report.Recovered,
			report.Expired,
			report.Simulated,
			report.SimulationFailed,
			report.DeploysStarted,
			report.DeploysDeferred,
			report.Reverted,
			report.FeedbackCollected,
			report.NotificationsSent,
			report.NotificationsFailed,
		); err != nil {
			return errs.Wrap(err, "write pipeline output")
		}
		return nil
	}),
}

// requireCollaborators refuses to drive the loop without every external
// system configured.
func requireCollaborators(app *bootstrap.App) error {
	missing := app.Collaborators.Missing()
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("pipeline collaborators not configured: %s", strings.Join(missing, ", "))
}

func init() {
	rootCmd.AddCommand(pipelineCmd)
	pipelineCmd.AddCommand(pipelineRunCmd)

	pipelineRunCmd.Flags().Bool("once", false, "Run one tick, wait for started deployments, and exit")
	pipelineRunCmd.Flags().Duration("poll-interval", 0, "Tick interval (default: pipeline.poll_interval)")
}
