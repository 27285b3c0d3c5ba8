package tui

import "github.com/charmbracelet/lipgloss"

// ANSI 256 palette.
const (
	colorDim    lipgloss.Color = "240"
	colorMuted  lipgloss.Color = "245"
	colorText   lipgloss.Color = "250"
	colorBorder lipgloss.Color = "63"
	colorBlue   lipgloss.Color = "39"
	colorGold   lipgloss.Color = "220"
	colorGreen  lipgloss.Color = "114"
	colorBright lipgloss.Color = "82"
	colorViolet lipgloss.Color = "177"
	colorOrange lipgloss.Color = "214"
	colorRed    lipgloss.Color = "196"
)

type styleSet struct {
	Container, Divider, Footer lipgloss.Style

	RunID, Task, Metric, Counter lipgloss.Style

	// Event log lines, by kind.
	Progress, Validation, Best, Lifecycle, Error, Timestamp lipgloss.Style

	// Loop state in the header.
	StatusIdle, StatusRunning, StatusPaused, StatusFinished lipgloss.Style
}

func fg(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}

var styles = styleSet{
	Container: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorBorder),
	Divider:   fg(colorDim),
	Footer:    fg(colorMuted),

	RunID:   fg(colorMuted),
	Task:    fg(colorBlue),
	Metric:  fg(colorGold),
	Counter: fg(colorText),

	Progress:   fg(colorText),
	Validation: fg(colorGreen),
	Best:       fg(colorBright).Bold(true),
	Lifecycle:  fg(colorViolet),
	Error:      fg(colorRed),
	Timestamp:  fg(colorDim),

	StatusIdle:     fg(colorMuted),
	StatusRunning:  fg(colorBright).Bold(true),
	StatusPaused:   fg(colorOrange),
	StatusFinished: fg(colorViolet),
}
