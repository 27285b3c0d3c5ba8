package tui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/npratt/trainloop/internal/events"
	"github.com/npratt/trainloop/internal/trainloop"
)

// mockStatsGetter is a mock implementation of StatsGetter for testing.
type mockStatsGetter struct {
	stats trainloop.Stats
}

func (m *mockStatsGetter) Stats() trainloop.Stats { return m.stats }

func logEvent(epochs float64, exs int64) *events.TrainLogEvent {
	return &events.TrainLogEvent{
		BaseEvent:     events.NewTrainerEvent(events.EventTrainLog, "run-1"),
		TotalEpochs:   epochs,
		TotalExamples: exs,
		ElapsedSec:    epochs * 10,
	}
}

func TestHandleKey_Quit(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"q key", "q"},
		{"ctrl+c", "ctrl+c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quitCalled := false
			m := model{
				status: "running",
				onQuit: func() { quitCalled = true },
			}

			_, cmd := m.handleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(tt.key)})

			if !quitCalled {
				t.Error("onQuit callback should be called")
			}
			if cmd == nil {
				t.Error("should return tea.Quit command")
			}
		})
	}
}

func TestHandleKey_PauseResume(t *testing.T) {
	tests := []struct {
		key        string
		wantStatus string
	}{
		{"p", "pausing..."},
		{"r", "resuming..."},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			var paused, resumed bool
			m := model{
				status:   "running",
				onPause:  func() { paused = true },
				onResume: func() { resumed = true },
			}

			newM, cmd := m.handleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(tt.key)})

			if cmd != nil {
				t.Error("should return nil command")
			}
			if got := newM.(model).status; got != tt.wantStatus {
				t.Errorf("status = %q, want %q", got, tt.wantStatus)
			}
			if (tt.key == "p") != paused || (tt.key == "r") != resumed {
				t.Errorf("paused=%v resumed=%v after %q", paused, resumed, tt.key)
			}
		})
	}
}

func TestHandleKey_NilCallbacks(t *testing.T) {
	m := model{status: "running"}
	for _, key := range []string{"p", "r", "q"} {
		// Must not panic
		m.handleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)})
	}
}

func TestHandleKey_Scroll(t *testing.T) {
	lines := make([]eventLine, 30)

	tests := []struct {
		name       string
		key        string
		startPos   int
		wantPos    int
		wantFollow bool
	}{
		{"up from middle", "up", 5, 4, false},
		{"k at top", "k", 0, 0, false},
		{"down from middle", "down", 5, 6, false},
		{"j reaching bottom", "j", 17, 18, true},
		{"home", "g", 10, 0, false},
		{"end", "G", 0, 18, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := model{
				eventLines: lines,
				scrollPos:  tt.startPos,
				height:     20, // visibleLines = 12, maxScroll = 18
			}

			newM, _ := m.handleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(tt.key)})
			got := newM.(model)

			if got.scrollPos != tt.wantPos {
				t.Errorf("scrollPos = %d, want %d", got.scrollPos, tt.wantPos)
			}
			if got.autoScroll != tt.wantFollow {
				t.Errorf("autoScroll = %v, want %v", got.autoScroll, tt.wantFollow)
			}
		})
	}
}

func TestHandleEvent_TrainStart(t *testing.T) {
	m := model{status: "idle", height: 20}
	m.handleEvent(&events.TrainStartEvent{
		BaseEvent:       events.NewTrainerEvent(events.EventTrainStart, "run-1"),
		Task:            "parity",
		Workers:         2,
		ResumedEpochs:   1.5,
		MaxEpochs:       10,
		MaxTrainTimeSec: 60,
		Metric:          "accuracy",
		Mode:            "max",
	})

	want := runInfo{ID: "run-1", Task: "parity", Metric: "accuracy", Mode: "max", Workers: 2, MaxEpochs: 10, MaxTimeSec: 60}
	if m.run != want {
		t.Errorf("run = %+v, want %+v", m.run, want)
	}
	if m.stats.Epochs != 1.5 {
		t.Errorf("epochs = %v, want resumed 1.5", m.stats.Epochs)
	}
	if len(m.eventLines) != 1 {
		t.Errorf("event log has %d lines, want 1", len(m.eventLines))
	}
}

func TestHandleEvent_StateChanged(t *testing.T) {
	m := model{status: "idle"}
	m.handleEvent(&events.TrainStateChangedEvent{
		BaseEvent: events.NewTrainerEvent(events.EventTrainStateChanged, "run-1"),
		From:      "running",
		To:        "paused",
	})
	if m.status != "paused" {
		t.Errorf("status = %q, want paused", m.status)
	}
}

func TestHandleEvent_Progress(t *testing.T) {
	eta := 30.0
	m := model{height: 20}

	ev := logEvent(2.5, 250)
	ev.ETASec = &eta
	m.handleEvent(ev)

	if m.stats.Epochs != 2.5 || m.stats.Examples != 250 || m.stats.ElapsedSec != 25 {
		t.Errorf("stats = %+v", m.stats)
	}
	if m.stats.ETASec == nil || *m.stats.ETASec != 30 {
		t.Errorf("eta = %v, want 30", m.stats.ETASec)
	}

	m.handleEvent(&events.TrainValidationEvent{
		BaseEvent:   events.NewTrainerEvent(events.EventTrainValidation, "run-1"),
		TotalEpochs: 3,
		Metric:      "accuracy",
		Value:       0.7,
		Best:        0.8,
		Impatience:  2,
	})
	if *m.stats.LastValid != 0.7 || *m.stats.Best != 0.8 || m.stats.Impatience != 2 {
		t.Errorf("validation stats = last %v best %v impatience %d",
			*m.stats.LastValid, *m.stats.Best, m.stats.Impatience)
	}

	m.handleEvent(&events.TrainCheckpointEvent{
		BaseEvent: events.NewTrainerEvent(events.EventTrainCheckpoint, "run-1"),
		Path:      "/tmp/model",
	})
	if m.stats.Checkpoints != 1 {
		t.Errorf("checkpoints = %d, want 1", m.stats.Checkpoints)
	}

	m.handleEvent(&events.TrainStopEvent{
		BaseEvent:   events.NewTrainerEvent(events.EventTrainStop, "run-1"),
		Reason:      "patience",
		TotalEpochs: 4,
		ElapsedSec:  40,
	})
	if m.stats.Reason != "patience" || m.stats.Epochs != 4 {
		t.Errorf("stop stats = %+v", m.stats)
	}
	if m.stats.ETASec != nil {
		t.Error("eta should clear once training stops")
	}
}

func TestHandleEvent_BufferTrimming(t *testing.T) {
	m := model{
		eventLines: make([]eventLine, maxEventLines-5),
		autoScroll: true,
		height:     20,
		scrollPos:  maxEventLines - 20,
	}

	for i := 0; i < 10; i++ {
		m.handleEvent(logEvent(float64(i), int64(i)))
	}

	expected := maxEventLines - 5 + 10 - trimEventLines
	if len(m.eventLines) != expected {
		t.Errorf("buffer should have %d lines after trim, got %d", expected, len(m.eventLines))
	}
}

func TestHandleEvent_ScrollPosAdjustedAfterTrim(t *testing.T) {
	m := model{
		eventLines: make([]eventLine, maxEventLines),
		height:     20,
		scrollPos:  maxEventLines - 50,
	}

	m.handleEvent(logEvent(1, 1))

	expectedPos := (maxEventLines - 50) - trimEventLines
	if m.scrollPos != expectedPos {
		t.Errorf("scrollPos should be adjusted to %d, got %d", expectedPos, m.scrollPos)
	}
}

func TestHandleEvent_AutoScrollToBottom(t *testing.T) {
	m := model{autoScroll: true, height: 20}

	for i := 0; i < 31; i++ {
		m.handleEvent(logEvent(float64(i), int64(i)))
	}

	expectedPos := len(m.eventLines) - m.visibleLines()
	if m.scrollPos != expectedPos {
		t.Errorf("scrollPos should be %d for autoscroll, got %d", expectedPos, m.scrollPos)
	}
}

func TestHandleTick_NilStatsGetter(t *testing.T) {
	m := model{status: "running"}
	m.handleTick()
	if m.status != "running" {
		t.Errorf("status changed without a stats getter: %q", m.status)
	}
}

func TestHandleTick_SyncsStats(t *testing.T) {
	best := 0.9
	mock := &mockStatsGetter{stats: trainloop.Stats{
		RunID:         "run-9",
		State:         trainloop.StatePaused,
		TotalEpochs:   3.25,
		TotalExamples: 325,
		Elapsed:       12 * time.Second,
		Impatience:    1,
		Metric:        "accuracy",
		Best:          &best,
	}}
	m := model{status: "pausing...", statsGetter: mock}
	m.stats.Checkpoints = 2

	m.handleTick()

	if m.status != "paused" {
		t.Errorf("status = %q, want paused", m.status)
	}
	if m.run.ID != "run-9" || m.run.Metric != "accuracy" {
		t.Errorf("run = %+v", m.run)
	}
	if m.stats.Epochs != 3.25 || m.stats.Examples != 325 || m.stats.ElapsedSec != 12 {
		t.Errorf("stats = %+v", m.stats)
	}
	if m.stats.Best == nil || *m.stats.Best != best {
		t.Errorf("best = %v, want %v", m.stats.Best, best)
	}
	if m.stats.Checkpoints != 2 {
		t.Error("tick should not reset counters the loop does not track")
	}
}

func TestUpdate_WindowSizeMsg(t *testing.T) {
	m := newModel(nil, nil, nil, nil, nil)

	newM, cmd := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	got := newM.(model)

	if got.width != 100 || got.height != 30 {
		t.Errorf("size = %dx%d, want 100x30", got.width, got.height)
	}
	if got.progress.Width != 50 {
		t.Errorf("progress width = %d, want 50", got.progress.Width)
	}
	if cmd != nil {
		t.Error("should return nil command")
	}
}

func TestUpdate_EventMsg(t *testing.T) {
	eventChan := make(chan events.Event, 1)
	m := newModel(eventChan, nil, nil, nil, nil)

	newM, cmd := m.Update(eventMsg(logEvent(1, 10)))

	if newM.(model).stats.Examples != 10 {
		t.Error("event should update stats")
	}
	if cmd == nil {
		t.Error("should return command to wait for next event")
	}
}

func TestUpdate_ChannelClosedMsg(t *testing.T) {
	m := newModel(nil, nil, nil, nil, nil)
	_, cmd := m.Update(channelClosedMsg{})
	if cmd == nil {
		t.Error("should return tea.Quit command")
	}
}

func TestUpdate_TickMsg(t *testing.T) {
	mock := &mockStatsGetter{stats: trainloop.Stats{State: trainloop.StateRunning, TotalExamples: 7}}
	m := newModel(nil, nil, nil, nil, mock)

	newM, cmd := m.Update(tickMsg(time.Now()))

	if newM.(model).stats.Examples != 7 {
		t.Error("tick should sync stats")
	}
	if cmd == nil {
		t.Error("should schedule the next tick")
	}
}

func TestWaitForEvent(t *testing.T) {
	ch := make(chan events.Event, 1)
	ev := logEvent(1, 1)
	ch <- ev

	msg := waitForEvent(ch)()
	if got, ok := msg.(eventMsg); !ok || events.Event(got) != ev {
		t.Errorf("msg = %#v, want the queued event", msg)
	}

	close(ch)
	if _, ok := waitForEvent(ch)().(channelClosedMsg); !ok {
		t.Error("closed channel should yield channelClosedMsg")
	}
}
