package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/npratt/trainloop/internal/events"
)

const (
	minWidth  = 60
	minHeight = 15
)

// View implements tea.Model.
func (m model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	if m.width < minWidth || m.height < minHeight {
		return fmt.Sprintf("Terminal too small (%dx%d). Need %dx%d minimum.",
			m.width, m.height, minWidth, minHeight)
	}

	w := safeWidth(m.width - 4) // Account for container borders and padding
	sections := []string{
		m.renderStatusLine(w),
		m.renderProgressLine(w),
		m.renderStatsLine(w),
		m.renderDivider(w),
		m.renderEvents(w, m.visibleLines()),
		m.renderDivider(w),
		m.renderFooter(),
	}

	rendered := styles.Container.
		Width(safeWidth(m.width - 2)).
		Render(strings.Join(sections, "\n"))

	return lipgloss.Place(m.width, m.height, lipgloss.Left, lipgloss.Top, rendered)
}

// spread places left and right at the edges of a line w cells wide.
func spread(left, right string, w int) string {
	gap := max(1, w-lipgloss.Width(left)-lipgloss.Width(right))
	return left + strings.Repeat(" ", gap) + right
}

// renderStatusLine shows the state, run ID and task.
func (m model) renderStatusLine(w int) string {
	left := m.renderStatus()
	if m.run.ID != "" {
		left += "  " + styles.RunID.Render("run "+m.run.ID[:min(8, len(m.run.ID))])
	}

	var right string
	if m.run.Task != "" {
		task := m.run.Task
		if m.run.Workers > 1 {
			task = fmt.Sprintf("%s x%d", task, m.run.Workers)
		}
		right = styles.Task.Render(task)
	}
	return spread(left, right, w)
}

// renderStatus renders the status indicator with appropriate styling.
func (m model) renderStatus() string {
	status := strings.ToUpper(m.status)

	switch m.status {
	case "running":
		return m.spinner.View() + " " + styles.StatusRunning.Render(status)
	case "paused", "pausing...", "resuming...":
		return styles.StatusPaused.Render(status)
	case "finalizing", "done":
		return styles.StatusFinished.Render(status)
	default:
		return styles.StatusIdle.Render(status)
	}
}

// renderProgressLine shows the budget bar, or elapsed time when the run
// has no budget.
func (m model) renderProgressLine(w int) string {
	var label string
	switch {
	case m.run.MaxEpochs > 0:
		label = fmt.Sprintf("%.2f/%s epochs", m.stats.Epochs, events.FormatFloat(m.run.MaxEpochs))
	default:
		label = fmt.Sprintf("%.2f epochs", m.stats.Epochs)
	}
	if m.run.MaxTimeSec > 0 {
		label += fmt.Sprintf("  %s/%s", events.FormatSeconds(m.stats.ElapsedSec), events.FormatSeconds(m.run.MaxTimeSec))
	}
	if m.stats.ETASec != nil {
		label += "  eta " + events.FormatSeconds(*m.stats.ETASec)
	}

	frac := m.fraction()
	if frac < 0 {
		return styles.Counter.Render(label + "  (no budget)")
	}

	bar := m.progress
	bar.Width = safeWidth(min(bar.Width, w-lipgloss.Width(label)-2))
	return bar.ViewAs(frac) + "  " + styles.Counter.Render(label)
}

// renderStatsLine shows examples, elapsed time and the validation summary.
func (m model) renderStatsLine(w int) string {
	left := styles.Counter.Render(fmt.Sprintf("exs %d  elapsed %s  saves %d",
		m.stats.Examples, events.FormatSeconds(m.stats.ElapsedSec), m.stats.Checkpoints))

	var right string
	if m.run.Metric != "" {
		text := m.run.Metric
		if m.stats.Best != nil {
			text += " best " + events.FormatFloat(*m.stats.Best)
		} else {
			text += " best -"
		}
		if m.stats.LastValid != nil {
			text += " last " + events.FormatFloat(*m.stats.LastValid)
		}
		text += fmt.Sprintf("  impatience %d", m.stats.Impatience)
		if m.stats.Reason != "" {
			text += "  stop " + m.stats.Reason
		}
		right = styles.Metric.Render(text)
	}
	return spread(left, right, w)
}

func (m model) renderDivider(w int) string {
	return styles.Divider.Render(strings.Repeat("─", w))
}

// renderEvents renders the scrollable event feed.
func (m model) renderEvents(w, visible int) string {
	if len(m.eventLines) == 0 {
		padding := strings.Repeat("\n", visible/2)
		return padding + lipgloss.PlaceHorizontal(w, lipgloss.Center, "Waiting for events...")
	}

	scrollPos := safeScroll(m.scrollPos, len(m.eventLines), visible)
	endPos := min(scrollPos+visible, len(m.eventLines))

	lines := make([]string, 0, visible)
	for _, el := range m.eventLines[scrollPos:endPos] {
		lines = append(lines, renderEventLine(el, w))
	}
	for len(lines) < visible {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

// renderEventLine renders a single event with timestamp and styling.
func renderEventLine(el eventLine, maxWidth int) string {
	prefix := el.Time.Format("15:04:05") + " "
	text := events.Truncate(el.Text, max(10, maxWidth-len(prefix)))
	return styles.Timestamp.Render(prefix) + el.Style.Render(text)
}

// renderFooter renders keyboard shortcuts help text.
func (m model) renderFooter() string {
	var help string
	switch m.status {
	case "paused", "pausing...":
		help = "r: resume  q: stop  ↑/↓: scroll  g/G: top/bottom"
	case "finalizing", "done":
		help = "q: quit  ↑/↓: scroll  g/G: top/bottom"
	default:
		help = "p: pause  q: stop  ↑/↓: scroll  g/G: top/bottom"
	}
	return styles.Footer.Render(help)
}

// safeWidth returns a width that is at least 1 to prevent negative values.
func safeWidth(w int) int {
	if w < 1 {
		return 1
	}
	return w
}

// safeScroll clamps scroll position to valid bounds.
func safeScroll(pos, totalLines, visibleLines int) int {
	if pos < 0 {
		return 0
	}
	maxScroll := totalLines - visibleLines
	if maxScroll < 0 {
		return 0
	}
	if pos > maxScroll {
		return maxScroll
	}
	return pos
}

// StyleForEvent returns the appropriate style for an event type.
func StyleForEvent(event events.Event) lipgloss.Style {
	switch e := event.(type) {
	case *events.TrainLogEvent, *events.TrainCheckpointEvent:
		return styles.Progress
	case *events.TrainValidationEvent:
		if e.Improved {
			return styles.Best
		}
		return styles.Validation
	case *events.TrainBestEvent:
		return styles.Best
	case *events.EvalCompleteEvent:
		return styles.Validation
	case *events.TrainStartEvent, *events.TrainStopEvent, *events.TrainStateChangedEvent:
		return styles.Lifecycle
	case *events.ErrorEvent:
		return styles.Error
	default:
		return styles.Progress
	}
}
