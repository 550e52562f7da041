package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"schemapilot/internal/bootstrap"
	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
	"schemapilot/internal/infrastructure/inbox"
	"schemapilot/internal/usecase/pipeline"
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Accept proposal documents dropped into a directory",
}

var inboxWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a directory and submit every proposal document written to it",
	RunE: withApp(func(cmd *cobra.Command, _ *bootstrap.App, svc *pipeline.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		dir, _ := cmd.Flags().GetString("dir")
		settle, _ := cmd.Flags().GetDuration("settle")
		once, _ := cmd.Flags().GetBool("once")

		watcher := newInboxWatcher(ctx, dir, svc, settle, cmd.OutOrStdout())
		if once {
			if _, err := watcher.Scan(ctx); err != nil {
				logging.Error(ctx, "scan inbox failed", slog.Any("err", errs.Loggable(err)))
				return errs.Wrap(err, "scan inbox")
			}
			return nil
		}
		return watcher.Run(ctx)
	}),
}

func newInboxWatcher(ctx context.Context, dir string, svc inbox.Submitter, settle time.Duration, out io.Writer) *inbox.Watcher {
	return inbox.NewWatcher(dir, svc, settle, func(r inbox.Result) {
		if r.Err != nil {
			logging.Warn(ctx, "inbox document rejected", slog.String("file", r.File), slog.Any("err", errs.Loggable(r.Err)))
			_, _ = fmt.Fprintf(out, "rejected %s: %v\n", r.File, r.Err)
			return
		}
		_, _ = fmt.Fprintf(out, "submitted %s as %s\n", r.File, r.ProposalID)
	})
}

func init() {
	rootCmd.AddCommand(inboxCmd)
	inboxCmd.AddCommand(inboxWatchCmd)

	inboxWatchCmd.Flags().String("dir", ".schemapilot/inbox", "Directory to watch")
	inboxWatchCmd.Flags().Duration("settle", 500*time.Millisecond, "Quiet period before a written file is read")
	inboxWatchCmd.Flags().Bool("once", false, "Submit the documents already present and exit")
}
