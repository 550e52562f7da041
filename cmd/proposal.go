package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"schemapilot/internal/bootstrap"
	"schemapilot/internal/bootstrap/logging"
	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/infrastructure/inbox"
	"schemapilot/internal/transport/httpapi"
	"schemapilot/internal/usecase/pipeline"
)

var proposalCmd = &cobra.Command{
	Use:   "proposal",
	Short: "Submit and inspect schema-change proposals",
}

var proposalSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a proposal document (yaml or json)",
	RunE: withApp(func(cmd *cobra.Command, _ *bootstrap.App, svc *pipeline.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		input, err := readProposalInput(cmd)
		if err != nil {
			return err
		}

		id, err := svc.Submit(ctx, input)
		if err != nil {
			logging.Error(ctx, "submit proposal failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "submit proposal")
		}

		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "submitted proposal: %s\n", id); err != nil {
			return errs.Wrap(err, "write submit output")
		}
		return nil
	}),
}

var proposalResubmitCmd = &cobra.Command{
	Use:   "resubmit",
	Short: "Submit a new proposal replacing a failed or rejected one",
	RunE: withApp(func(cmd *cobra.Command, _ *bootstrap.App, svc *pipeline.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		previous, _ := cmd.Flags().GetString("id")
		input, err := readProposalInput(cmd)
		if err != nil {
			return err
		}

		id, err := svc.Resubmit(ctx, previous, input)
		if err != nil {
			logging.Error(ctx, "resubmit proposal failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "resubmit proposal")
		}

		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "resubmitted proposal: %s (replaces %s)\n", id, previous); err != nil {
			return errs.Wrap(err, "write resubmit output")
		}
		return nil
	}),
}

var proposalStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show a proposal's lifecycle, impact report, decisions and deployment",
	RunE: withApp(func(cmd *cobra.Command, _ *bootstrap.App, svc *pipeline.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		id, _ := cmd.Flags().GetString("id")
		history, _ := cmd.Flags().GetBool("history")
		asJSON, _ := cmd.Flags().GetBool("json")

		detail, err := svc.GetState(ctx, id)
		if err != nil {
			logging.Error(ctx, "read proposal state failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "read proposal state")
		}

		view := httpapi.NewDetailView(detail)
		if asJSON {
			return writeJSONOutput(cmd.OutOrStdout(), view)
		}
		return renderDetail(cmd.OutOrStdout(), view, history)
	}),
}

var proposalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposal lifecycles",
	RunE: withApp(func(cmd *cobra.Command, _ *bootstrap.App, svc *pipeline.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		states, _ := cmd.Flags().GetStringSlice("state")
		version, _ := cmd.Flags().GetString("version")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		items, err := svc.List(ctx, pipeline.ListFilter{
			States:        states,
			TargetVersion: version,
			Limit:         limit,
		})
		if err != nil {
			logging.Error(ctx, "list proposals failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "list proposals")
		}

		views := make([]httpapi.LifecycleView, 0, len(items))
		for _, item := range items {
			views = append(views, httpapi.NewLifecycleView(item))
		}
		if asJSON {
			return writeJSONOutput(cmd.OutOrStdout(), views)
		}
		return renderLifecycles(cmd.OutOrStdout(), views)
	}),
}

var proposalSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of a proposal document",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return writeJSONOutput(cmd.OutOrStdout(), proposalSchema())
	},
}

func init() {
	rootCmd.AddCommand(proposalCmd)
	proposalCmd.AddCommand(proposalSubmitCmd)
	proposalCmd.AddCommand(proposalResubmitCmd)
	proposalCmd.AddCommand(proposalStateCmd)
	proposalCmd.AddCommand(proposalListCmd)
	proposalCmd.AddCommand(proposalSchemaCmd)

	proposalSubmitCmd.Flags().String("file", "", "Proposal document path, or - for stdin")
	proposalSubmitCmd.Flags().String("format", "yaml", "Document format when reading stdin (yaml|json)")
	_ = proposalSubmitCmd.MarkFlagRequired("file")

	proposalResubmitCmd.Flags().String("id", "", "Proposal id being replaced")
	proposalResubmitCmd.Flags().String("file", "", "Proposal document path, or - for stdin")
	proposalResubmitCmd.Flags().String("format", "yaml", "Document format when reading stdin (yaml|json)")
	_ = proposalResubmitCmd.MarkFlagRequired("id")
	_ = proposalResubmitCmd.MarkFlagRequired("file")

	proposalStateCmd.Flags().String("id", "", "Proposal id")
	proposalStateCmd.Flags().Bool("history", false, "Include the transition audit log")
	proposalStateCmd.Flags().Bool("json", false, "Print JSON instead of text")
	_ = proposalStateCmd.MarkFlagRequired("id")

	proposalListCmd.Flags().StringSlice("state", nil, "Filter by state (repeatable)")
	proposalListCmd.Flags().String("version", "", "Filter by target schema version")
	proposalListCmd.Flags().Int("limit", 50, "Maximum rows")
	proposalListCmd.Flags().Bool("json", false, "Print JSON instead of text")
}

// readProposalInput decodes the document named by --file. Stdin is read
// when the path is "-", using --format to pick the decoder.
func readProposalInput(cmd *cobra.Command) (domain.ProposalInput, error) {
	path, _ := cmd.Flags().GetString("file")
	format, _ := cmd.Flags().GetString("format")
	path = strings.TrimSpace(path)

	var (
		name string
		raw  []byte
		err  error
	)
	if path == "-" {
		name = "stdin." + strings.ToLower(strings.TrimSpace(format))
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		name = filepath.Base(path)
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return domain.ProposalInput{}, errs.Wrap(err, "read proposal document")
	}
	return inbox.DecodeDocument(name, raw)
}

func proposalSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&domain.ProposalInput{})
	schema.Title = "schemapilot proposal"
	return schema
}
