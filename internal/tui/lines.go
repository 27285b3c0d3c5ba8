package tui

import (
	"fmt"

	"golang.org/x/term"

	"github.com/npratt/trainloop/internal/events"
)

// screen is the terminal the dashboard would draw on.
type screen interface {
	Fd() uintptr
}

// canDraw reports whether in and out are terminals and out is at least
// minWidth by minHeight cells.
func canDraw(in, out screen) bool {
	if !term.IsTerminal(int(in.Fd())) || !term.IsTerminal(int(out.Fd())) {
		return false
	}
	w, h, err := term.GetSize(int(out.Fd()))
	if err != nil {
		return false
	}
	return w >= minWidth && h >= minHeight
}

// runLines prints one timestamped line per event. It returns when the
// event channel closes, or once the run is done and buffered events are
// flushed. Interrupts are left to the caller's shutdown handling.
func (t *TUI) runLines() error {
	for {
		select {
		case ev, ok := <-t.eventChan:
			if !ok {
				return nil
			}
			t.printLine(ev)
		case <-t.done:
			t.flush()
			return nil
		}
	}
}

func (t *TUI) flush() {
	for {
		select {
		case ev, ok := <-t.eventChan:
			if !ok {
				return
			}
			t.printLine(ev)
		default:
			return
		}
	}
}

func (t *TUI) printLine(ev events.Event) {
	if line := events.FormatWithTimestamp(ev); line != "" {
		_, _ = fmt.Fprintln(t.out, line)
	}
}
