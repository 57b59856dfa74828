package banner

import (
	"tapbench/internal/tui/styles"

	"github.com/charmbracelet/lipgloss"
)

func GetString() string {
	renderer := lipgloss.DefaultRenderer()

	style := renderer.NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)

	ascii := `
  __              __                    __
 / /_____ _____  / /_  ___  ____  _____/ /_
/ __/ __ '/ __ \/ __ \/ _ \/ __ \/ ___/ __ \
/ /_/ /_/ / /_/ / /_/ /  __/ / / / /__/ / / /
\__/\__,_/ .___/_.___/\___/_/ /_/\___/_/ /_/
        /_/   UI latency, one tap at a time`

	return "\n" + style.Render(ascii) + "\n"
}
