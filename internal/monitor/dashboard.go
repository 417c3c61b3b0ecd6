// Package monitor renders a live terminal view of a single run.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/checkpoint"
	httpserver "github.com/fyrsmithlabs/phasectl/internal/http"
	"github.com/fyrsmithlabs/phasectl/internal/orchestrator"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	recentRecords   = 8
	fetchTimeout    = 5 * time.Second
)

// RunSource reads run state. *client.Client satisfies it.
type RunSource interface {
	Status(ctx context.Context, runID string) (orchestrator.Status, error)
	Records(ctx context.Context, runID string) (httpserver.RecordsResponse, error)
}

// Snapshot is one poll of a run.
type Snapshot struct {
	Status  orchestrator.Status
	Records []audit.Record
	Summary audit.Summary
}

// Model is the BubbleTea model for watching a run.
type Model struct {
	source     RunSource
	runID      string
	interval   time.Duration
	exitOnDone bool

	lastUpdate time.Time
	snap       Snapshot
	fetched    bool
	err        error
	quitting   bool

	phaseProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a model that polls runID every interval. With
// exitOnDone the program quits once the run reaches a terminal state.
func NewModel(source RunSource, runID string, interval time.Duration, exitOnDone bool) Model {
	return Model{
		source:     source,
		runID:      runID,
		interval:   interval,
		exitOnDone: exitOnDone,
		phaseProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
	}
}

// Final returns the last status seen.
func (m Model) Final() (orchestrator.Status, bool) {
	return m.snap.Status, m.fetched
}

// StateBadge renders a run state.
func StateBadge(state checkpoint.State) string {
	switch state {
	case checkpoint.StateComplete:
		return healthyStyle.Render("✓ " + string(state))
	case checkpoint.StateRunning:
		return warningStyle.Render("● " + string(state))
	case checkpoint.StateResumable:
		return warningStyle.Render("⏸ " + string(state))
	case checkpoint.StateFailed:
		return errorStyle.Render("✗ " + string(state))
	default:
		return dimStyle.Render("? unknown")
	}
}

// OutcomeBadge renders an attempt outcome.
func OutcomeBadge(o audit.Outcome) string {
	switch o {
	case audit.OutcomeSuccess:
		return healthyStyle.Render("[✓]")
	case audit.OutcomeRetried:
		return warningStyle.Render("[↻]")
	default:
		return errorStyle.Render("[✗]")
	}
}

// phaseRatio is the fraction of phases finished.
func phaseRatio(st orchestrator.Status) float64 {
	total := float64(len(agent.AllPhases()))
	if st.State == checkpoint.StateComplete {
		return 1
	}
	idx := st.Phase.Index()
	if idx < 0 {
		return 0
	}
	return float64(idx) / total
}

// unitsHistory returns UnitsConsumed of the last historySize records.
func unitsHistory(records []audit.Record) []float64 {
	if len(records) > historySize {
		records = records[len(records)-historySize:]
	}
	out := make([]float64, 0, len(records))
	for _, r := range records {
		out = append(out, float64(r.UnitsConsumed))
	}
	return out
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg error

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchSnapshot(m.source, m.runID),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSnapshot(source RunSource, runID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		st, err := source.Status(ctx, runID)
		if err != nil {
			return errMsg(err)
		}
		recs, err := source.Records(ctx, runID)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg{Status: st, Records: recs.Records, Summary: recs.Summary}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.source, m.runID)
		}

	case tickMsg:
		if m.fetched && m.snap.Status.State.Terminal() && m.exitOnDone {
			return m, nil
		}
		return m, tea.Batch(
			tick(m.interval),
			fetchSnapshot(m.source, m.runID),
		)

	case snapshotMsg:
		m.snap = Snapshot(msg)
		m.fetched = true
		m.lastUpdate = time.Now()
		m.err = nil
		if m.exitOnDone && m.snap.Status.State.Terminal() {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render(" phasectl watch ")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot read run "+m.runID) + "\n\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Is phased running? Check with: phasectl health") + "\n")
	b.WriteString(m.footer())

	return containerStyle.Render(header + "\n" + b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder
	st := m.snap.Status

	lastUpdate := "never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" phasectl watch ") + "\n")
	fmt.Fprintf(&b, "%s   %s   %s\n",
		valueStyle.Render(m.runID),
		StateBadge(st.State),
		dimStyle.Render(lastUpdate))

	b.WriteString("\n" + sectionStyle.Render("┃ Phases") + "\n")
	ratio := phaseRatio(st)
	b.WriteString(labelStyle.Render("  Progress: ") +
		m.phaseProgress.ViewAs(ratio) +
		" " + dimStyle.Render(FormatPercentage(ratio)) + "\n")
	b.WriteString("  " + phaseStrip(st) + "\n")
	if st.Reason != "" {
		b.WriteString(labelStyle.Render("  Reason: ") + errorStyle.Render(st.Reason))
		if st.ErrorClass != "" {
			b.WriteString(dimStyle.Render(" (" + string(st.ErrorClass) + ")"))
		}
		b.WriteString("\n")
	}

	sum := m.snap.Summary
	b.WriteString("\n" + sectionStyle.Render("┃ Budget") + "\n")
	b.WriteString(labelStyle.Render("  Consumed: ") +
		valueStyle.Render(FormatUnits(sum.TotalUnits)+" units") +
		"   " + createSparkline(unitsHistory(m.snap.Records)) + "\n")
	for _, p := range agent.AllPhases() {
		if u, ok := sum.UnitsByPhase[p]; ok {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  %-9s ", p)) + valueStyle.Render(FormatUnits(u)) + "\n")
		}
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Delegations") + "\n")
	b.WriteString(labelStyle.Render("  Attempts: ") + valueStyle.Render(fmt.Sprintf("%d", sum.Total)) +
		dimStyle.Render(fmt.Sprintf("  ok=%d retried=%d failed=%d",
			sum.ByOutcome[audit.OutcomeSuccess],
			sum.ByOutcome[audit.OutcomeRetried],
			sum.ByOutcome[audit.OutcomeFailed])) + "\n")
	if sum.Total > 0 {
		b.WriteString(labelStyle.Render("  Mean: ") + valueStyle.Render(FormatDuration(sum.MeanDuration)))
		if sum.SlowestTaskID != "" {
			b.WriteString(dimStyle.Render("  slowest ") + valueStyle.Render(sum.SlowestTaskID) +
				dimStyle.Render(" "+FormatDuration(sum.SlowestElapsed)))
		}
		b.WriteString("\n")
	}
	recs := m.snap.Records
	if len(recs) > recentRecords {
		recs = recs[len(recs)-recentRecords:]
	}
	for _, r := range recs {
		fmt.Fprintf(&b, "  %s %s %s %s %s\n",
			OutcomeBadge(r.Outcome),
			dimStyle.Render(fmt.Sprintf("%-9s", r.Phase)),
			valueStyle.Render(r.TaskID),
			dimStyle.Render(string(r.HandlerTag)),
			dimStyle.Render(FormatUnits(r.UnitsConsumed)+"u"))
	}

	b.WriteString("\n" + m.footer())
	return containerStyle.Render(b.String())
}

// phaseStrip marks finished, current and pending phases.
func phaseStrip(st orchestrator.Status) string {
	current := st.Phase.Index()
	parts := make([]string, 0, len(agent.AllPhases()))
	for i, p := range agent.AllPhases() {
		name := string(p)
		switch {
		case st.State == checkpoint.StateComplete || i < current:
			parts = append(parts, healthyStyle.Render(name))
		case i == current && st.State == checkpoint.StateFailed:
			parts = append(parts, errorStyle.Render(name))
		case i == current:
			parts = append(parts, warningStyle.Render(name))
		default:
			parts = append(parts, dimStyle.Render(name))
		}
	}
	return strings.Join(parts, dimStyle.Render(" → "))
}

func (m Model) footer() string {
	return footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
}
