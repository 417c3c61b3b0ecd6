package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/checkpoint"
	httpserver "github.com/fyrsmithlabs/phasectl/internal/http"
	"github.com/fyrsmithlabs/phasectl/internal/monitor"
	"github.com/fyrsmithlabs/phasectl/internal/orchestrator"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

var (
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	valueStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func field(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", label+":")), value)
}

// formatStatus renders a run status as labelled lines.
func formatStatus(st orchestrator.Status) string {
	var b strings.Builder
	field(&b, "Run", valueStyle.Render(st.RunID))
	field(&b, "State", monitor.StateBadge(st.State))
	if st.Phase != "" {
		field(&b, "Phase", string(st.Phase))
	}
	if st.ErrorClass != "" {
		field(&b, "Error", string(st.ErrorClass))
	}
	if st.Reason != "" {
		field(&b, "Reason", st.Reason)
	}
	if st.CheckpointRef != "" {
		field(&b, "Checkpoint", dimStyle.Render(st.CheckpointRef))
	}
	if !st.UpdatedAt.IsZero() {
		field(&b, "Updated", dimStyle.Render(st.UpdatedAt.Local().Format("2006-01-02 15:04:05")))
	}
	if st.State == checkpoint.StateResumable || st.State == checkpoint.StateFailed {
		b.WriteString(dimStyle.Render("Resume with: phasectl resume "+st.RunID) + "\n")
	}
	return b.String()
}

// formatRecords renders audit records as a table followed by a summary.
func formatRecords(resp httpserver.RecordsResponse) string {
	if len(resp.Records) == 0 {
		return dimStyle.Render("No records for run "+resp.RunID) + "\n"
	}

	rows := make([][]string, 0, len(resp.Records))
	for _, r := range resp.Records {
		reason := string(r.ErrorClass)
		if r.Reason != "" {
			reason = strings.TrimSpace(reason + " " + r.Reason)
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", r.Seq),
			string(r.Phase),
			r.TaskID,
			fmt.Sprintf("%d", r.Attempt),
			string(r.HandlerTag),
			string(r.Outcome),
			fmt.Sprintf("%d/%d", r.UnitsConsumed, r.UnitsReserved),
			monitor.FormatDuration(r.Duration()),
			reason,
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("SEQ", "PHASE", "TASK", "TRY", "HANDLER", "OUTCOME", "UNITS", "TIME", "REASON").
		Rows(rows...)

	var b strings.Builder
	b.WriteString(t.String() + "\n")
	b.WriteString(formatSummary(resp.Summary))
	return b.String()
}

func formatSummary(s audit.Summary) string {
	var b strings.Builder
	field(&b, "Attempts", fmt.Sprintf("%d (ok=%d retried=%d failed=%d)", s.Total,
		s.ByOutcome[audit.OutcomeSuccess], s.ByOutcome[audit.OutcomeRetried], s.ByOutcome[audit.OutcomeFailed]))
	field(&b, "Units", monitor.FormatUnits(s.TotalUnits))
	for _, p := range agent.AllPhases() {
		if u, ok := s.UnitsByPhase[p]; ok {
			fmt.Fprintf(&b, "  %s %s\n", dimStyle.Render(fmt.Sprintf("%-10s", p)), monitor.FormatUnits(u))
		}
	}
	if len(s.ByErrorClass) > 0 {
		classes := make([]string, 0, len(s.ByErrorClass))
		for c, n := range s.ByErrorClass {
			classes = append(classes, fmt.Sprintf("%s=%d", c, n))
		}
		sort.Strings(classes)
		field(&b, "Errors", strings.Join(classes, " "))
	}
	field(&b, "Mean", monitor.FormatDuration(s.MeanDuration))
	if s.SlowestTaskID != "" {
		field(&b, "Slowest", fmt.Sprintf("%s (%s)", s.SlowestTaskID, monitor.FormatDuration(s.SlowestElapsed)))
	}
	return b.String()
}

func formatProgress(p orchestrator.PhaseProgress) string {
	line := fmt.Sprintf("[%3d%%] %-9s %s", p.Percentage, p.Phase, p.State)
	if p.Message != "" {
		line += ": " + p.Message
	}
	return line
}
