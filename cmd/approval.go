package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"schemapilot/internal/bootstrap"
	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
	"schemapilot/internal/usecase/pipeline"
)

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Record reviewer decisions on pending proposals",
}

var approvalDecideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Approve, reject or abstain on a pending proposal",
	RunE: withApp(func(cmd *cobra.Command, _ *bootstrap.App, svc *pipeline.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		id, _ := cmd.Flags().GetString("id")
		reviewer, _ := cmd.Flags().GetString("reviewer")
		role, _ := cmd.Flags().GetString("role")
		verdict, _ := cmd.Flags().GetString("verdict")
		comment, _ := cmd.Flags().GetString("comment")

		result, err := svc.RecordDecision(ctx, id, pipeline.DecisionInput{
			Reviewer: reviewer,
			Role:     role,
			Verdict:  verdict,
			Comment:  comment,
		})
		if err != nil {
			logging.Error(ctx, "record decision failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "record decision")
		}

		missing := "-"
		if len(result.MissingRoles) > 0 {
			missing = strings.Join(result.MissingRoles, ",")
		}
		if _, err := fmt.Fprintf(
			cmd.OutOrStdout(),
			"decision recorded: %s approval=%s state=%s missing=%s\n",
			id,
			result.Approval,
			result.State,
			missing,
		); err != nil {
			return errs.Wrap(err, "write decide output")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(approvalCmd)
	approvalCmd.AddCommand(approvalDecideCmd)

	approvalDecideCmd.Flags().String("id", "", "Proposal id")
	approvalDecideCmd.Flags().String("reviewer", "", "Reviewer identity")
	approvalDecideCmd.Flags().String("role", "", "Reviewer role, for example ontology-admin")
	approvalDecideCmd.Flags().String("verdict", "", "approve|reject|abstain")
	approvalDecideCmd.Flags().String("comment", "", "Decision comment; required context for a reject")
	_ = approvalDecideCmd.MarkFlagRequired("id")
	_ = approvalDecideCmd.MarkFlagRequired("reviewer")
	_ = approvalDecideCmd.MarkFlagRequired("verdict")
}
