package views

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"tapbench/internal/storage"
	"tapbench/internal/tui/styles"
)

// HistorySource is the read side of the run history.
type HistorySource interface {
	List() ([]storage.HistoryItem, error)
	Get(id string) (*storage.HistoryItem, error)
}

type HistoryView struct {
	Store HistorySource
	Table table.Model

	items []storage.HistoryItem
	err   error

	// Detail is the run opened with Enter, with its trials.
	Detail *storage.HistoryItem

	Width  int
	Height int
}

func NewHistoryView(store HistorySource) HistoryView {
	columns := []table.Column{
		{Title: "Time", Width: 19},
		{Title: "Scenario", Width: 16},
		{Title: "App", Width: 24},
		{Title: "Trials", Width: 7},
		{Title: "OK", Width: 5},
		{Title: "T/O", Width: 5},
		{Title: "Fail", Width: 5},
		{Title: "Mean (s)", Width: 9},
		{Title: "StdDev", Width: 8},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.ColorBorder).
		BorderBottom(true).
		Bold(true).
		Foreground(styles.ColorPrimary)

	s.Selected = s.Selected.
		Foreground(styles.ColorBg).
		Background(styles.ColorPrimary).
		Bold(true)

	t.SetStyles(s)

	m := HistoryView{
		Store: store,
		Table: t,
	}
	m.Refresh()
	return m
}

// Refresh reloads the list; the store already returns newest first.
func (m *HistoryView) Refresh() {
	if m.Store == nil {
		return
	}
	m.items, m.err = m.Store.List()

	rows := make([]table.Row, len(m.items))
	for i, item := range m.items {
		mean, sd := "-", "-"
		if item.Summary.Count > 0 {
			mean = fmt.Sprintf("%.4f", item.Summary.Mean)
			sd = fmt.Sprintf("%.4f", item.Summary.StdDev)
		}
		app := item.App
		if item.Aborted {
			app = "⚠ " + app
		}
		rows[i] = table.Row{
			item.Timestamp.Format("2006-01-02 15:04:05"),
			item.Scenario,
			app,
			fmt.Sprintf("%d", item.Trials),
			fmt.Sprintf("%d", item.Success),
			fmt.Sprintf("%d", item.Timeout),
			fmt.Sprintf("%d", item.Fail),
			mean,
			sd,
		}
	}
	m.Table.SetRows(rows)
}

func (m HistoryView) Init() tea.Cmd {
	return nil
}

func (m HistoryView) Update(msg tea.Msg) (HistoryView, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Table.SetWidth(msg.Width - 4)
		m.Table.SetHeight(max(msg.Height-8, 3))

	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			if sel := m.Selected(); sel != nil && m.Store != nil {
				item, err := m.Store.Get(sel.ID)
				if err != nil {
					m.err = err
					return m, nil
				}
				m.Detail = item
			}
			return m, nil
		case "esc":
			m.Detail = nil
			return m, nil
		case "r":
			m.Refresh()
			return m, nil
		}
	}

	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m HistoryView) View() string {
	s := strings.Builder{}
	s.WriteString(styles.Title.Render("📜 Past Runs"))
	s.WriteString("\n\n")

	if m.err != nil {
		s.WriteString(styles.Error.Render(m.err.Error()))
		s.WriteString("\n\n")
	}

	if m.Detail != nil {
		s.WriteString(m.detailView())
		s.WriteString("\n\n")
		s.WriteString(styles.Subtle.Render("[Esc] Back  [Ctrl+P] Export JSON"))
		return s.String()
	}

	if len(m.Table.Rows()) == 0 {
		s.WriteString(styles.Subtle.Render("No history found.\nRun a scenario with --history to record one."))
	} else {
		s.WriteString(styles.Box.Render(m.Table.View()))
	}
	s.WriteString("\n\n")
	s.WriteString(styles.Subtle.Render("[Enter] Trials  [r] Reload  [Ctrl+P] Export JSON"))
	return s.String()
}

func (m HistoryView) detailView() string {
	it := m.Detail
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", styles.Active.Render(it.Scenario+" / "+it.App), styles.Subtle.Render(it.Timestamp.Format("2006-01-02 15:04:05")))
	fmt.Fprintf(&b, "%s\n", styles.Subtle.Render(it.Detector))
	if it.Output != "" {
		fmt.Fprintf(&b, "%s %s\n", styles.Subtle.Render("csv:"), it.Output)
	}
	if it.Error != "" {
		fmt.Fprintf(&b, "%s\n", styles.Error.Render(it.Error))
	}
	b.WriteString("\n")
	for _, t := range it.Records {
		line := fmt.Sprintf("#%-4d %-8s", t.Index, styles.Outcome(t.Outcome))
		if t.Seconds != nil {
			line += fmt.Sprintf("  %.4f s", *t.Seconds)
		} else if t.Error != "" {
			e := t.Error
			if len(e) > 60 {
				e = e[:57] + "..."
			}
			line += "  " + styles.Subtle.Render(e)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// Selected is the highlighted run without its trials, or nil.
func (m HistoryView) Selected() *storage.HistoryItem {
	idx := m.Table.Cursor()
	if idx < 0 || idx >= len(m.items) {
		return nil
	}
	return &m.items[idx]
}
