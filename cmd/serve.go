package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"schemapilot/internal/bootstrap"
	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
	"schemapilot/internal/transport/httpapi"
	"schemapilot/internal/usecase/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP control API, optionally with the pipeline loop",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App, svc *pipeline.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		addr, _ := cmd.Flags().GetString("addr")
		if strings.TrimSpace(addr) == "" {
			addr = app.Config.HTTP.Addr
		}
		withPipeline, _ := cmd.Flags().GetBool("pipeline")
		inboxDir, _ := cmd.Flags().GetString("inbox")

		if withPipeline {
			if err := requireCollaborators(app); err != nil {
				return err
			}
		}

		server := &http.Server{
			Addr:              addr,
			Handler:           httpapi.NewServer(svc, app.Registry).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(_ net.Listener) context.Context { return ctx },
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logging.Info(ctx, "http api listening", slog.String("addr", addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errs.Wrap(err, "serve http")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return errs.Wrap(err, "shutdown http")
			}
			return nil
		})
		if withPipeline {
			g.Go(func() error {
				return svc.Run(gctx, app.Config.Pipeline.PollInterval)
			})
		}
		if strings.TrimSpace(inboxDir) != "" {
			watcher := newInboxWatcher(gctx, inboxDir, svc, 0, cmd.OutOrStdout())
			g.Go(func() error {
				return watcher.Run(gctx)
			})
		}

		if err := g.Wait(); err != nil {
			logging.Error(ctx, "serve stopped with error", slog.Any("err", errs.Loggable(err)))
			return err
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Listen address (default: http.addr)")
	serveCmd.Flags().Bool("pipeline", false, "Also run the pipeline loop in this process")
	serveCmd.Flags().String("inbox", "", "Also watch this directory for proposal documents")
}
