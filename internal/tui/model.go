package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/npratt/trainloop/internal/events"
)

// runInfo is what the train.start event says about the run.
type runInfo struct {
	ID         string
	Task       string
	Metric     string
	Mode       string
	Workers    int
	MaxEpochs  float64 // 0 = unlimited
	MaxTimeSec float64 // 0 = unlimited
}

// modelStats holds the progress counters shown in the header.
type modelStats struct {
	Epochs      float64
	Examples    int64
	ElapsedSec  float64
	ETASec      *float64
	Impatience  int
	Best        *float64
	LastValid   *float64
	Checkpoints int
	Reason      string
}

// eventLine represents a formatted event for display.
type eventLine struct {
	Time  time.Time
	Text  string
	Style lipgloss.Style
}

// model is the bubbletea model for the dashboard.
type model struct {
	eventChan <-chan events.Event

	status string
	run    runInfo
	stats  modelStats

	eventLines []eventLine

	width      int
	height     int
	scrollPos  int
	autoScroll bool

	spinner  spinner.Model
	progress progress.Model

	onPause  func()
	onResume func()
	onQuit   func()

	statsGetter StatsGetter
}

// eventMsg wraps an event for the bubbletea message system.
type eventMsg events.Event

// newModel creates a new model with the given configuration.
func newModel(
	eventChan <-chan events.Event,
	onPause, onResume, onQuit func(),
	statsGetter StatsGetter,
) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.StatusRunning

	return model{
		eventChan:   eventChan,
		status:      "idle",
		autoScroll:  true,
		spinner:     sp,
		progress:    progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		onPause:     onPause,
		onResume:    onResume,
		onQuit:      onQuit,
		statsGetter: statsGetter,
	}
}

// Init implements tea.Model.
func (m model) Init() tea.Cmd {
	return tea.Batch(
		waitForEvent(m.eventChan),
		doTick(),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

// visibleLines returns the number of event lines that fit in the viewport.
func (m model) visibleLines() int {
	// Height minus: border (2), header (3), dividers (2), footer (1) = 8
	return max(1, m.height-8)
}

// fraction is how far the run is through its budget, or -1 without one.
// With both an epoch and a time budget the closer one wins.
func (m model) fraction() float64 {
	f := -1.0
	if m.run.MaxEpochs > 0 {
		f = m.stats.Epochs / m.run.MaxEpochs
	}
	if m.run.MaxTimeSec > 0 {
		f = max(f, m.stats.ElapsedSec/m.run.MaxTimeSec)
	}
	if f > 1 {
		f = 1
	}
	return f
}
