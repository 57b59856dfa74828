package styles

import (
	"github.com/charmbracelet/lipgloss"
)

// Palette. Outcome colours are shared with the headless summary so a run
// reads the same in both modes.
var (
	ColorPrimary   = lipgloss.Color("#5F87FF")
	ColorSuccess   = lipgloss.Color("#00AF87")
	ColorTimeout   = lipgloss.Color("#FFAF00")
	ColorFailure   = lipgloss.Color("#FF5F5F")
	ColorText      = lipgloss.Color("#E4E4E4")
	ColorSubtle    = lipgloss.Color("#808080")
	ColorBorder    = lipgloss.Color("#444444")
	ColorBg        = lipgloss.Color("#1C1C1C")
	ColorHighlight = lipgloss.Color("#4E4E4E")
	ColorBanner    = lipgloss.Color("#00D7FF")

	// ColorSecondary is the accent used for measured values.
	ColorSecondary = ColorSuccess
)

var (
	Panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(1, 2)

	Title = lipgloss.NewStyle().
		Foreground(ColorPrimary).
		Bold(true).
		Padding(0, 1).
		Border(lipgloss.NormalBorder(), false, false, true, false).
		BorderForeground(ColorSubtle)

	Text   = lipgloss.NewStyle().Foreground(ColorText)
	Subtle = lipgloss.NewStyle().Foreground(ColorSubtle)
	Value  = lipgloss.NewStyle().Foreground(ColorSecondary).Bold(true)
	Active = lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true)

	Success = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
	Warn    = lipgloss.NewStyle().Foreground(ColorTimeout)
	Error   = lipgloss.NewStyle().Foreground(ColorFailure)

	// Card around a single metric on the dashboard.
	Box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1).
		Margin(0, 1)

	TabBase = lipgloss.NewStyle().
		Foreground(ColorSubtle).
		Padding(0, 2)

	TabActive = TabBase.
			Foreground(ColorPrimary).
			Bold(true).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(ColorPrimary)

	FooterBase = lipgloss.NewStyle().
			Height(1).
			Padding(0, 1)

	keyName = lipgloss.NewStyle().Foreground(ColorText).Bold(true)
	keyHelp = lipgloss.NewStyle().Foreground(ColorSubtle)
)

// Outcome colours a trial outcome name.
func Outcome(name string) string {
	switch name {
	case "success":
		return Success.Render(name)
	case "timeout":
		return Warn.Render(name)
	case "failure":
		return Error.Render(name)
	}
	return Subtle.Render(name)
}

// RenderKey formats one footer key hint, e.g. "<q> quit".
func RenderKey(key, desc string) string {
	return keyName.Render("<"+key+">") + " " + keyHelp.Render(desc)
}
