package tui

import (
	"log/slog"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/npratt/trainloop/internal/events"
)

const (
	// maxEventLines is the maximum number of event lines to keep in the buffer.
	maxEventLines = 1000
	// trimEventLines is the number of lines to remove when buffer exceeds max.
	trimEventLines = 100
	// tickInterval is the interval for polling the loop's stats.
	tickInterval = time.Second
)

// channelClosedMsg signals that the event channel was closed.
type channelClosedMsg struct{}

// tickMsg signals a periodic tick for stats synchronization.
type tickMsg time.Time

// waitForEvent creates a command that waits for the next event from the channel.
// Returns channelClosedMsg if the channel is closed.
func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-ch
		if !ok {
			return channelClosedMsg{}
		}
		return eventMsg(event)
	}
}

func doTick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = max(10, msg.Width/2)
		return m, nil

	case eventMsg:
		m.handleEvent(events.Event(msg))
		return m, waitForEvent(m.eventChan)

	case channelClosedMsg:
		slog.Info("event channel closed, exiting TUI")
		return m, tea.Quit

	case tickMsg:
		m.handleTick()
		return m, doTick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	default:
		return m, nil
	}
}

// handleKey processes keyboard input.
func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if m.onQuit != nil {
			m.onQuit()
		}
		return m, tea.Quit

	case "p":
		if m.onPause != nil {
			m.onPause()
		}
		m.status = "pausing..."
		return m, nil

	case "r":
		if m.onResume != nil {
			m.onResume()
		}
		m.status = "resuming..."
		return m, nil

	case "up", "k":
		m.autoScroll = false
		if m.scrollPos > 0 {
			m.scrollPos--
		}
		return m, nil

	case "down", "j":
		maxScroll := len(m.eventLines) - m.visibleLines()
		if m.scrollPos < maxScroll {
			m.scrollPos++
		}
		if m.scrollPos >= maxScroll {
			m.autoScroll = true
		}
		return m, nil

	case "home", "g":
		m.autoScroll = false
		m.scrollPos = 0
		return m, nil

	case "end", "G":
		m.autoScroll = true
		m.scrollPos = max(0, len(m.eventLines)-m.visibleLines())
		return m, nil

	default:
		return m, nil
	}
}

// handleEvent folds an event into the header state and the event log.
func (m *model) handleEvent(event events.Event) {
	switch e := event.(type) {
	case *events.TrainStartEvent:
		m.run = runInfo{
			ID:         e.RunID,
			Task:       e.Task,
			Metric:     e.Metric,
			Mode:       e.Mode,
			Workers:    e.Workers,
			MaxEpochs:  e.MaxEpochs,
			MaxTimeSec: e.MaxTrainTimeSec,
		}
		m.stats.Epochs = e.ResumedEpochs
		m.stats.ElapsedSec = e.ResumedTimeSec

	case *events.TrainStateChangedEvent:
		m.status = e.To

	case *events.TrainLogEvent:
		m.stats.Epochs = e.TotalEpochs
		m.stats.Examples = e.TotalExamples
		m.stats.ElapsedSec = e.ElapsedSec
		m.stats.ETASec = e.ETASec

	case *events.TrainValidationEvent:
		value, best := e.Value, e.Best
		m.stats.LastValid = &value
		m.stats.Best = &best
		m.stats.Impatience = e.Impatience
		m.stats.Epochs = e.TotalEpochs

	case *events.TrainCheckpointEvent:
		m.stats.Checkpoints++

	case *events.TrainStopEvent:
		m.stats.Reason = e.Reason
		m.stats.Epochs = e.TotalEpochs
		m.stats.ElapsedSec = e.ElapsedSec
		m.stats.ETASec = nil
	}

	text := events.Format(event)
	if text == "" {
		return
	}
	m.eventLines = append(m.eventLines, eventLine{
		Time:  event.Timestamp(),
		Text:  text,
		Style: StyleForEvent(event),
	})

	if len(m.eventLines) > maxEventLines {
		m.eventLines = m.eventLines[trimEventLines:]
		m.scrollPos = max(0, m.scrollPos-trimEventLines)
	}

	if m.autoScroll {
		maxScroll := len(m.eventLines) - m.visibleLines()
		if maxScroll > 0 {
			m.scrollPos = maxScroll
		}
	}
}

// handleTick syncs counters from the loop, which is authoritative. Events
// only arrive on log intervals, so the tick keeps elapsed time moving.
func (m *model) handleTick() {
	if m.statsGetter == nil {
		return
	}

	s := m.statsGetter.Stats()
	if string(s.State) != m.status && m.status != "pausing..." && m.status != "resuming..." {
		slog.Debug("dashboard state drift", "tui", m.status, "loop", s.State)
	}
	m.status = string(s.State)
	if m.run.ID == "" {
		m.run.ID = s.RunID
		m.run.Metric = s.Metric
	}
	m.stats.Epochs = s.TotalEpochs
	m.stats.Examples = s.TotalExamples
	m.stats.ElapsedSec = s.Elapsed.Seconds()
	m.stats.ETASec = s.ETA
	m.stats.Impatience = s.Impatience
	if s.Best != nil {
		m.stats.Best = s.Best
	}
	if s.Reason != "" {
		m.stats.Reason = string(s.Reason)
	}
}
