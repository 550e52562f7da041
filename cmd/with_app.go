package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"schemapilot/internal/bootstrap"
	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
	"schemapilot/internal/usecase/pipeline"
)

func withApp(run func(cmd *cobra.Command, app *bootstrap.App, svc *pipeline.Service) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := logging.WithAttrs(
			cmd.Context(),
			slog.String("command", cmd.CommandPath()),
			slog.String("config_file", cfgFile),
		)

		var app *bootstrap.App
		var svc *pipeline.Service
		fxApp := fx.New(
			bootstrap.Module,
			fx.Provide(func() context.Context { return ctx }),
			fx.Provide(
				fx.Annotate(
					func() string { return cfgFile },
					fx.ResultTags(`name:"configFile"`),
				),
			),
			fx.Populate(&app, &svc),
		)

		startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
		defer cancelStart()
		if err := fxApp.Start(startCtx); err != nil {
			logging.Error(ctx, "bootstrap application failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "start fx application")
		}

		defer func() {
			stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancelStop()
			if err := fxApp.Stop(stopCtx); err != nil {
				logging.Error(ctx, "fx application stop failed", slog.Any("err", errs.Loggable(err)))
			}
		}()

		// Re-root the logger on the configured level and format.
		logger := logging.NewLogger(cmd.ErrOrStderr(), app.Config.Log.Level, app.Config.Log.Format)
		cmd.SetContext(logging.WithAttrs(
			logging.WithLogger(cmd.Context(), logger),
			slog.String("app", app.Config.App.Name),
		))

		if err := run(cmd, app, svc); err != nil {
			return errs.Wrap(err, "run command")
		}
		return nil
	}
}
