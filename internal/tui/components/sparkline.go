package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var levels = []string{"▁", "▂", "▃", "▄", "▅", "▆", "▇", "█"}

// Sparkline shows the last Width samples scaled to the window maximum.
// Gaps (failed trials) render as a blank column.
type Sparkline struct {
	Data  []float64
	Width int
	Max   float64
	Style lipgloss.Style
	Label string
	Unit  string
}

// Gap marks a sample with no value.
const Gap = -1

func NewSparkline(width int, label, unit string, style lipgloss.Style) Sparkline {
	return Sparkline{
		Width: width,
		Label: label,
		Unit:  unit,
		Style: style,
		Data:  make([]float64, 0, width),
	}
}

func (s *Sparkline) Add(val float64) {
	s.Data = append(s.Data, val)
	if len(s.Data) > s.Width {
		s.Data = s.Data[len(s.Data)-s.Width:]
	}

	// scale to the visible window
	s.Max = 0
	for _, v := range s.Data {
		if v > s.Max {
			s.Max = v
		}
	}
}

// Resize keeps the newest samples that still fit.
func (s *Sparkline) Resize(width int) {
	if width < 1 {
		width = 1
	}
	s.Width = width
	if len(s.Data) > width {
		s.Data = s.Data[len(s.Data)-width:]
	}
}

func (s Sparkline) graph() string {
	var g strings.Builder
	for _, v := range s.Data {
		if v < 0 || s.Max <= 0 {
			g.WriteString(" ")
			continue
		}
		idx := int(v / s.Max * float64(len(levels)-1))
		if idx >= len(levels) {
			idx = len(levels) - 1
		}
		g.WriteString(levels[idx])
	}
	if pad := s.Width - len(s.Data); pad > 0 {
		g.WriteString(strings.Repeat(" ", pad))
	}
	return g.String()
}

func (s Sparkline) View() string {
	if s.Width <= 0 {
		return ""
	}
	label := s.Label
	if s.Max > 0 {
		label += fmt.Sprintf(" (max %.0f%s)", s.Max, s.Unit)
	}
	return s.Style.Render(label) + "\n" + s.Style.Render(s.graph())
}
