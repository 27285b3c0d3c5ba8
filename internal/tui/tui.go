// Package tui provides a terminal dashboard for a training run using bubbletea.
package tui

import (
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/npratt/trainloop/internal/events"
	"github.com/npratt/trainloop/internal/trainloop"
)

// StatsGetter provides the loop's authoritative progress counters.
type StatsGetter interface {
	Stats() trainloop.Stats
}

// TUI is the terminal dashboard for one training run.
type TUI struct {
	eventChan   <-chan events.Event
	onPause     func()
	onResume    func()
	onQuit      func()
	statsGetter StatsGetter
	out         io.Writer
	done        <-chan struct{}
	drawable    func() bool
}

// Option configures the TUI.
type Option func(*TUI)

// New creates a new TUI with the given event channel and options.
func New(eventChan <-chan events.Event, opts ...Option) *TUI {
	t := &TUI{
		eventChan: eventChan,
		out:       os.Stdout,
		drawable:  func() bool { return canDraw(os.Stdin, os.Stdout) },
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// WithOnPause sets the callback invoked when the user presses 'p'.
func WithOnPause(fn func()) Option {
	return func(t *TUI) {
		t.onPause = fn
	}
}

// WithOnResume sets the callback invoked when the user presses 'r'.
func WithOnResume(fn func()) Option {
	return func(t *TUI) {
		t.onResume = fn
	}
}

// WithOnQuit sets the callback invoked when the user presses 'q'.
func WithOnQuit(fn func()) Option {
	return func(t *TUI) {
		t.onQuit = fn
	}
}

// WithStatsGetter sets the stats provider polled on every tick.
func WithStatsGetter(sg StatsGetter) Option {
	return func(t *TUI) {
		t.statsGetter = sg
	}
}

// WithOutput sets where line mode writes. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(t *TUI) {
		t.out = w
	}
}

// WithDone sets a channel closed when the run has finished. Line mode
// returns once it closes; the dashboard stays up until the user quits.
func WithDone(done <-chan struct{}) Option {
	return func(t *TUI) {
		t.done = done
	}
}

// WithLineMode skips the dashboard and prints one line per event.
func WithLineMode() Option {
	return func(t *TUI) {
		t.drawable = func() bool { return false }
	}
}

// Run starts the dashboard and blocks until it exits. Without a usable
// terminal it falls back to printing one line per event.
func (t *TUI) Run() error {
	if !t.drawable() {
		return t.runLines()
	}

	m := newModel(t.eventChan, t.onPause, t.onResume, t.onQuit, t.statsGetter)

	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
