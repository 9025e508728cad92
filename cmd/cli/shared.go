package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Screen types
type screen int

const (
	screenOverview screen = iota
	screenJobs
)

// Common styles
var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1).
			Bold(true)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 1).
			Width(36)

	tabStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#44475A")).
			Foreground(lipgloss.Color("#F8F8F2")).
			Padding(0, 2).
			Margin(0, 1)

	tabActiveStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#FF79C6")).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 2).
			Margin(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F1FA8C"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#50FA7B")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4"))
)

// row renders a label and a right aligned value
func row(label string, value interface{}) string {
	return fmt.Sprintf("%-18s %v", label, value)
}

func panel(title string, rows ...string) string {
	return panelStyle.Render(subtitleStyle.Render(title) + "\n" + strings.Join(rows, "\n"))
}

// bar draws a ratio between 0 and 1 as a fixed width gauge
func bar(ratio float64, width int) string {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio * float64(width))
	gauge := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	switch {
	case ratio >= 0.9:
		return errorStyle.Render(gauge)
	case ratio >= 0.7:
		return warnStyle.Render(gauge)
	}
	return successStyle.Render(gauge)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
