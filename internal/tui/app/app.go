package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"tapbench/internal/runner"
	"tapbench/internal/tui/styles"
	"tapbench/internal/tui/views"
)

type ClearStatusMsg struct{}

func clearStatusCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(_ time.Time) tea.Msg {
		return ClearStatusMsg{}
	})
}

type ViewID int

const (
	ViewDashboard ViewID = iota
	ViewHistory
)

type StatsMsg runner.StatsSnapshot

// RunDoneMsg is sent by the caller once every plan has finished.
type RunDoneMsg struct {
	Err error
}

type Model struct {
	Store   views.HistorySource
	Updates runner.StatsUpdateChan

	// Cancel stops the run in progress.
	Cancel    context.CancelFunc
	RunActive bool
	RunErr    error

	Width  int
	Height int

	CurrentView ViewID
	MenuItems   []string

	DashView    views.DashboardView
	HistoryView views.HistoryView

	StatusMsg string
}

// NewModel shows a live run when updates is set and the history otherwise.
func NewModel(updates runner.StatsUpdateChan, store views.HistorySource, cancel context.CancelFunc) Model {
	m := Model{
		Store:       store,
		Updates:     updates,
		Cancel:      cancel,
		RunActive:   updates != nil,
		CurrentView: ViewDashboard,
		MenuItems:   []string{"[1] Live", "[2] History"},
		DashView:    views.NewDashboardView(80, 24),
		HistoryView: views.NewHistoryView(store),
	}
	if updates == nil {
		m.CurrentView = ViewHistory
	}
	return m
}

func (m Model) Init() tea.Cmd {
	if m.Updates == nil {
		return nil
	}
	return waitForUpdate(m.Updates)
}

func waitForUpdate(sub runner.StatsUpdateChan) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-sub
		if !ok {
			return nil
		}
		return StatsMsg(snap)
	}
}

func (m *Model) setStatus(format string, args ...any) tea.Cmd {
	m.StatusMsg = fmt.Sprintf(format, args...)
	return clearStatusCmd()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case ClearStatusMsg:
		m.StatusMsg = ""
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+q", "q":
			if m.RunActive && m.Cancel != nil {
				m.Cancel()
			}
			return m, tea.Quit

		case "ctrl+s":
			if m.RunActive && m.Cancel != nil {
				m.Cancel()
				return m, m.setStatus("Stopping after the current step...")
			}
			return m, nil

		case "1":
			m.CurrentView = ViewDashboard
			return m, nil

		case "2":
			m.HistoryView.Refresh()
			m.CurrentView = ViewHistory
			return m, nil

		case "tab", "ctrl+right", "ctrl+left":
			if m.CurrentView == ViewDashboard {
				m.HistoryView.Refresh()
				m.CurrentView = ViewHistory
			} else {
				m.CurrentView = ViewDashboard
			}
			return m, nil

		case "ctrl+p":
			if m.CurrentView != ViewHistory || m.Store == nil {
				return m, nil
			}
			item := m.HistoryView.Detail
			if item == nil {
				sel := m.HistoryView.Selected()
				if sel == nil {
					return m, m.setStatus("Nothing selected.")
				}
				full, err := m.Store.Get(sel.ID)
				if err != nil {
					return m, m.setStatus("Export failed: %v", err)
				}
				item = full
			}
			base := fmt.Sprintf("tapbench_history_%s", item.ID)
			if err := ExportHistory(*item, base); err != nil {
				return m, m.setStatus("Export failed: %v", err)
			}
			return m, m.setStatus("Exported history to %s.{csv,json}", base)
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		content := tea.WindowSizeMsg{Width: msg.Width, Height: msg.Height - 6}

		var c tea.Cmd
		m.DashView, c = m.DashView.Update(content)
		cmds = append(cmds, c)
		m.HistoryView, c = m.HistoryView.Update(content)
		cmds = append(cmds, c)
		return m, tea.Batch(cmds...)

	case StatsMsg:
		var c tea.Cmd
		m.DashView, c = m.DashView.Update(runner.StatsSnapshot(msg))
		cmds = append(cmds, c, waitForUpdate(m.Updates))
		return m, tea.Batch(cmds...)

	case RunDoneMsg:
		m.RunActive = false
		m.RunErr = msg.Err
		m.DashView.Finished = true
		m.HistoryView.Refresh()
		if msg.Err != nil {
			return m, m.setStatus("Run finished with errors: %v", msg.Err)
		}
		return m, m.setStatus("Run finished. Press q to quit.")
	}

	// Everything else (keys for tables, progress frames) goes to the active view.
	var c tea.Cmd
	switch m.CurrentView {
	case ViewDashboard:
		m.DashView, c = m.DashView.Update(msg)
	case ViewHistory:
		m.HistoryView, c = m.HistoryView.Update(msg)
	}
	cmds = append(cmds, c)

	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if m.Width == 0 {
		return "Loading..."
	}

	nav := strings.Builder{}
	for i, item := range m.MenuItems {
		if ViewID(i) == m.CurrentView {
			nav.WriteString(styles.TabActive.Render(item))
		} else {
			nav.WriteString(styles.TabBase.Render(item))
		}
	}
	navBar := styles.FooterBase.Width(m.Width).Render(nav.String())

	contentStr := ""
	switch m.CurrentView {
	case ViewDashboard:
		contentStr = m.DashView.View()
	case ViewHistory:
		contentStr = m.HistoryView.View()
	}
	content := styles.Panel.Width(m.Width - 2).Height(max(m.Height-6, 1)).Render(contentStr)

	keys := []string{
		styles.RenderKey("Tab", "View"),
		styles.RenderKey("Ctrl+S", "Stop"),
		styles.RenderKey("Ctrl+P", "Export"),
		styles.RenderKey("q", "Quit"),
	}
	footer := styles.FooterBase.Width(m.Width).Render(strings.Join(keys, "   "))

	if m.StatusMsg != "" {
		status := styles.Box.BorderForeground(styles.ColorHighlight).Render(m.StatusMsg)
		return lipgloss.JoinVertical(lipgloss.Left, navBar, content, status, footer)
	}
	return lipgloss.JoinVertical(lipgloss.Left, navBar, content, footer)
}
