package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/transport/httpapi"
)

type palette struct {
	title lipgloss.Style
	label lipgloss.Style
	muted lipgloss.Style
	good  lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
}

func newPalette(w io.Writer) palette {
	r := lipgloss.NewRenderer(w)
	return palette{
		title: r.NewStyle().Bold(true),
		label: r.NewStyle().Foreground(lipgloss.Color("245")).Width(16),
		muted: r.NewStyle().Foreground(lipgloss.Color("245")),
		good:  r.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		warn:  r.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		bad:   r.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
	}
}

func (p palette) state(state string) string {
	switch domain.State(state) {
	case domain.StateApproved, domain.StateDeploying, domain.StateMonitoring, domain.StateClosed:
		return p.good.Render(state)
	case domain.StateRejected, domain.StateSimulationFailed, domain.StateRolledBack:
		return p.bad.Render(state)
	default:
		return p.warn.Render(state)
	}
}

func (p palette) level(level string) string {
	switch domain.RiskLevel(level) {
	case domain.RiskSafe, domain.RiskLow:
		return p.good.Render(level)
	case domain.RiskHigh, domain.RiskCritical:
		return p.bad.Render(level)
	default:
		return p.warn.Render(level)
	}
}

func writeJSONOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errs.Wrap(err, "write json output")
	}
	return nil
}

// renderDetail prints a proposal lifecycle for a terminal.
func renderDetail(w io.Writer, view httpapi.DetailView, history bool) error {
	p := newPalette(w)
	var b strings.Builder
	row := func(label string, value string) {
		b.WriteString(p.label.Render(label))
		b.WriteString(value)
		b.WriteByte('\n')
	}

	b.WriteString(p.title.Render("Proposal " + view.ProposalID))
	b.WriteByte('\n')
	row("Version", view.TargetVersion)
	row("Kind", view.Kind)
	row("State", p.state(view.State))
	if view.Reason != "" {
		row("Reason", view.Reason)
	}
	row("Since", view.EnteredStateAt)
	if view.ResubmissionOf != "" {
		row("Resubmits", view.ResubmissionOf)
	}
	row("Produced by", fmt.Sprintf("%s (%s)", view.Provenance.ProducedBy, view.Provenance.ProducedVia))

	if r := view.Report; r != nil {
		b.WriteByte('\n')
		b.WriteString(p.title.Render("Impact"))
		b.WriteByte('\n')
		row("Risk", fmt.Sprintf("%.1f %s", r.RiskScore, p.level(r.RiskLevel)))
		row("Verdict", r.Verdict)
		row("Sub-scores", fmt.Sprintf("breaking=%.1f performance=%.1f migration=%.1f kind=%.1f",
			r.SubScores.Breaking, r.SubScores.Performance, r.SubScores.Migration, r.SubScores.Kind))
		row("Perf change", fmt.Sprintf("%+.1f%%", r.PerfDelta*100))
		row("Queries", fmt.Sprintf("%d sampled", r.QueriesSampled))
		row("Weights", fmt.Sprintf("v%d", r.WeightsVersion))
		for _, bc := range r.BreakingChanges {
			b.WriteString(p.bad.Render("  ! "))
			b.WriteString(fmt.Sprintf("%s %s", bc.Reason, bc.PatternHash))
			if bc.Error != "" {
				b.WriteString(p.muted.Render(" " + bc.Error))
			}
			b.WriteByte('\n')
		}
	}

	if len(view.RequiredRoles) > 0 || len(view.Decisions) > 0 {
		b.WriteByte('\n')
		b.WriteString(p.title.Render("Approval"))
		b.WriteByte('\n')
		if len(view.RequiredRoles) > 0 {
			row("Reviewers", strings.Join(view.RequiredRoles, ", "))
		}
		if len(view.MissingRoles) > 0 {
			row("Missing", strings.Join(view.MissingRoles, ", "))
		}
		for _, d := range view.Decisions {
			line := fmt.Sprintf("  %s %s", d.Reviewer, d.Verdict)
			if d.Role != "" {
				line += " as " + d.Role
			}
			if d.Comment != "" {
				line += ": " + d.Comment
			}
			b.WriteString(line)
			b.WriteString(p.muted.Render(" " + d.DecidedAt))
			b.WriteByte('\n')
		}
	}

	if d := view.Deployment; d != nil {
		b.WriteByte('\n')
		b.WriteString(p.title.Render("Deployment"))
		b.WriteByte('\n')
		row("Attempt", fmt.Sprintf("%d (id %d)", d.Attempt, d.DeploymentID))
		row("Traffic", fmt.Sprintf("%d%%", d.Stage))
		row("Samples", fmt.Sprintf("%d", d.Samples))
		if d.Outcome != "" {
			row("Outcome", d.Outcome)
		}
		if d.RollbackReason != "" {
			row("Rollback", d.RollbackReason)
		}
	}

	if f := view.Feedback; f != nil {
		b.WriteByte('\n')
		b.WriteString(p.title.Render("Feedback"))
		b.WriteByte('\n')
		row("Predicted", fmt.Sprintf("%+.1f%%", f.PredictedDelta*100))
		row("Observed", fmt.Sprintf("%+.1f%%", f.ObservedDelta*100))
		row("Error", fmt.Sprintf("%.3f", f.PredictionError))
		if f.SideEffects != "" && f.SideEffects != "[]" {
			row("Side effects", f.SideEffects)
		}
	}

	if history && len(view.History) > 0 {
		b.WriteByte('\n')
		b.WriteString(p.title.Render("History"))
		b.WriteByte('\n')
		for _, t := range view.History {
			from := t.From
			if from == "" {
				from = "-"
			}
			b.WriteString(fmt.Sprintf("  %s %s -> %s", p.muted.Render(t.At), from, t.To))
			if t.Actor != "" {
				b.WriteString(" by " + t.Actor)
			}
			if t.Reason != "" {
				b.WriteString(": " + t.Reason)
			}
			b.WriteByte('\n')
		}
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return errs.Wrap(err, "write proposal state")
	}
	return nil
}

func renderLifecycles(w io.Writer, items []httpapi.LifecycleView) error {
	if len(items) == 0 {
		if _, err := fmt.Fprintln(w, "no proposals"); err != nil {
			return errs.Wrap(err, "write list output")
		}
		return nil
	}

	p := newPalette(w)
	for _, item := range items {
		risk := "-"
		if item.RiskScore != nil {
			risk = fmt.Sprintf("%.1f %s", *item.RiskScore, p.level(item.RiskLevel))
		}
		line := fmt.Sprintf("%s [%s] version=%s risk=%s since=%s", item.ProposalID, p.state(item.State), item.TargetVersion, risk, item.EnteredStateAt)
		if item.Reason != "" {
			line += " reason=" + item.Reason
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return errs.Wrap(err, "write list item")
		}
	}
	return nil
}
