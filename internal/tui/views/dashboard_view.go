package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"tapbench/internal/runner"
	"tapbench/internal/tui/components"
	"tapbench/internal/tui/styles"
)

const recentTrials = 8

type DashboardView struct {
	Stats    runner.StatsSnapshot
	Viewport viewport.Model
	Progress progress.Model
	Duration components.Sparkline

	// Recent holds the newest trials, newest last.
	Recent []runner.TrialRecord

	StartTime time.Time
	Finished  bool

	Width  int
	Height int
}

func NewDashboardView(width, height int) DashboardView {
	prog := progress.New(
		progress.WithGradient("#7D56F4", "#04B575"),
		progress.WithWidth(max(width-10, 10)),
		progress.WithoutPercentage(),
	)

	return DashboardView{
		Viewport:  viewport.New(max(width-6, 10), max(height-8, 5)),
		Progress:  prog,
		Duration:  components.NewSparkline(max(width-12, 10), "Trial duration", "ms", styles.Active),
		StartTime: time.Now(),
		Width:     width,
		Height:    height,
	}
}

func (m DashboardView) Init() tea.Cmd {
	return nil
}

func (m DashboardView) Update(msg tea.Msg) (DashboardView, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case runner.StatsSnapshot:
		// the next plan counts from zero again
		if msg.Trial < m.Stats.Trial {
			m.Recent = nil
		}
		if msg.Trial > 0 && (len(m.Recent) == 0 || m.Recent[len(m.Recent)-1].Index != msg.Last.Index) {
			m.Recent = append(m.Recent, msg.Last)
			if len(m.Recent) > recentTrials {
				m.Recent = m.Recent[len(m.Recent)-recentTrials:]
			}
			if msg.Last.Outcome == runner.OutcomeSuccess {
				m.Duration.Add(float64(msg.Last.Duration.Milliseconds()))
			} else {
				m.Duration.Add(components.Gap)
			}
		}
		m.Stats = msg
		m.Finished = msg.Done

		pct := 0.0
		if msg.Total > 0 {
			pct = float64(msg.Trial) / float64(msg.Total)
		}
		cmds = append(cmds, m.Progress.SetPercent(pct))

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Progress.Width = max(msg.Width-10, 10)
		m.Viewport.Width = max(msg.Width-6, 10)
		m.Viewport.Height = max(msg.Height-8, 5)
		m.Duration.Resize(msg.Width - 12)

	case progress.FrameMsg:
		newModel, cmd := m.Progress.Update(msg)
		if newModel, ok := newModel.(progress.Model); ok {
			m.Progress = newModel
		}
		cmds = append(cmds, cmd)
	}

	m.Viewport, cmd = m.Viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m DashboardView) status() string {
	switch {
	case m.Stats.Aborted:
		return styles.Error.Render("[Aborted]")
	case m.Finished:
		return styles.Success.Render("[Done]")
	case m.Stats.Total == 0:
		return styles.Subtle.Render("[Waiting]")
	}
	return styles.Active.Render("[Running]")
}

func (m DashboardView) View() string {
	s := strings.Builder{}
	st := m.Stats

	title := "⚡ Measuring"
	if st.Scenario != "" {
		title += " " + st.Scenario
	}
	if st.Total > 0 {
		title += fmt.Sprintf("  trial %d/%d", st.Trial, st.Total)
	}
	header := lipgloss.JoinHorizontal(lipgloss.Center,
		styles.Title.Render(title),
		lipgloss.NewStyle().MarginLeft(2).Foreground(styles.ColorSubtle).Render(time.Since(m.StartTime).Round(time.Second).String()),
		lipgloss.NewStyle().MarginLeft(4).Render(m.status()),
	)
	s.WriteString(header)
	s.WriteString("\n\n")

	s.WriteString(m.Progress.View())
	s.WriteString("\n\n")

	// Outcomes
	failStyle := styles.Text
	if st.Fail > 0 {
		failStyle = styles.Error
	}
	timeoutStyle := styles.Text
	if st.Timeout > 0 {
		timeoutStyle = styles.Warn
	}
	row1 := lipgloss.JoinHorizontal(lipgloss.Top,
		MakeCard("Success", styles.Value.Render(fmt.Sprintf("%d", st.Success))),
		MakeCard("Timeout", timeoutStyle.Render(fmt.Sprintf("%d", st.Timeout))),
		MakeCard("Failure", failStyle.Render(fmt.Sprintf("%d", st.Fail))),
	)
	s.WriteString(row1)
	s.WriteString("\n")

	// Durations
	sum := st.Summary
	secs := func(v float64) string {
		if sum.Count == 0 {
			return styles.Subtle.Render("-")
		}
		return styles.Text.Render(fmt.Sprintf("%.3f s", v))
	}
	row2 := lipgloss.JoinHorizontal(lipgloss.Top,
		MakeCard("Mean", secs(sum.Mean)),
		MakeCard("Min", secs(sum.Min)),
		MakeCard("Max", secs(sum.Max)),
		MakeCard("StdDev", secs(sum.StdDev)),
	)
	s.WriteString(row2)
	s.WriteString("\n")

	p := st.Percentiles
	row3 := lipgloss.JoinHorizontal(lipgloss.Top,
		MakeCard("P50", styles.Text.Render(fmt.Sprintf("%.0f ms", p.P50))),
		MakeCard("P90", styles.Warn.Render(fmt.Sprintf("%.0f ms", p.P90))),
		MakeCard("P99", styles.Error.Render(fmt.Sprintf("%.0f ms", p.P99))),
	)
	s.WriteString(row3)
	s.WriteString("\n\n")

	s.WriteString(m.Duration.View())
	s.WriteString("\n\n")

	if len(m.Recent) > 0 {
		s.WriteString(styles.Subtle.Render("Recent trials"))
		s.WriteString("\n")
		for i := len(m.Recent) - 1; i >= 0; i-- {
			s.WriteString(trialLine(m.Recent[i]))
			s.WriteString("\n")
		}
	}

	content := styles.Panel.Width(max(m.Width-6, 10)).Render(s.String())
	m.Viewport.SetContent(content)

	return m.Viewport.View()
}

func trialLine(r runner.TrialRecord) string {
	line := fmt.Sprintf("#%-4d %s", r.Index, styles.Outcome(r.Outcome.String()))
	if r.Outcome == runner.OutcomeSuccess {
		return line + fmt.Sprintf("  %.4f s", r.Seconds())
	}
	if r.Err != nil {
		e := r.Err.Error()
		if len(e) > 60 {
			e = e[:57] + "..."
		}
		line += "  " + styles.Subtle.Render(e)
	}
	return line
}

func MakeCard(title, value string) string {
	return styles.Box.Width(18).Align(lipgloss.Center).Render(
		fmt.Sprintf("%s\n%s", styles.Subtle.Render(title), value),
	)
}
