// Package events defines the event type taxonomy and base structures for the
// trainloop event stream. The training loop emits events; the log sink, the
// progress sink, and the dashboard consume them.
package events

import "time"

// EventType identifies the category and nature of an event.
type EventType string

// Event types.
const (
	// Training lifecycle events
	EventTrainStart        EventType = "train.start"
	EventTrainStop         EventType = "train.stop"
	EventTrainStateChanged EventType = "train.state_changed"

	// Periodic training events
	EventTrainLog        EventType = "train.log"
	EventTrainValidation EventType = "train.validation"
	EventTrainCheckpoint EventType = "train.checkpoint"
	EventTrainBest       EventType = "train.best"

	// Evaluation events
	EventEvalComplete EventType = "eval.complete"

	// Error events
	EventError EventType = "error"
)

// Source constants identify the origin of events.
const (
	SourceTrainer = "trainer"
	SourceEval    = "eval"
)

// Event is the base interface for all events in the system.
type Event interface {
	Type() EventType
	Timestamp() time.Time
	Source() string
}

// BaseEvent provides the common fields for all events.
type BaseEvent struct {
	EventType EventType `json:"type"`
	Time      time.Time `json:"timestamp"`
	Src       string    `json:"source"`
	RunID     string    `json:"run_id,omitempty"`
}

// Type returns the event type.
func (e BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.Time
}

// Source returns the origin of the event.
func (e BaseEvent) Source() string {
	return e.Src
}

// TrainStartEvent is emitted once the loop is constructed and about to take
// its first step. Budgets of zero are unlimited.
type TrainStartEvent struct {
	BaseEvent
	Task            string  `json:"task"`
	ModelFile       string  `json:"model_file,omitempty"`
	Workers         int     `json:"workers"`
	ResumedEpochs   float64 `json:"resumed_epochs,omitempty"`
	ResumedTimeSec  float64 `json:"resumed_time_sec,omitempty"`
	MaxEpochs       float64 `json:"max_epochs,omitempty"`
	MaxTrainTimeSec float64 `json:"max_train_time_sec,omitempty"`
	Metric          string  `json:"metric"`
	Mode            string  `json:"mode"`
}

// TrainLogEvent carries a periodic progress line.
type TrainLogEvent struct {
	BaseEvent
	Parleys       int64          `json:"parleys"`
	TotalEpochs   float64        `json:"total_epochs"`
	TotalExamples int64          `json:"total_exs"`
	ElapsedSec    float64        `json:"elapsed_sec"`
	ETASec        *float64       `json:"eta_sec,omitempty"`
	Report        map[string]any `json:"report,omitempty"`
}

// TrainValidationEvent is emitted after every validation pass.
type TrainValidationEvent struct {
	BaseEvent
	TotalEpochs float64        `json:"total_epochs"`
	Metric      string         `json:"metric"`
	Value       float64        `json:"value"`
	Best        float64        `json:"best"`
	Improved    bool           `json:"improved"`
	Impatience  int            `json:"impatience"`
	Report      map[string]any `json:"report,omitempty"`
}

// TrainCheckpointEvent is emitted after a model snapshot is written.
type TrainCheckpointEvent struct {
	BaseEvent
	Path        string  `json:"path"`
	TotalEpochs float64 `json:"total_epochs"`
	ElapsedSec  float64 `json:"elapsed_sec"`
}

// TrainBestEvent is emitted when validation sets a new best value.
type TrainBestEvent struct {
	BaseEvent
	Metric   string   `json:"metric"`
	Value    float64  `json:"value"`
	Previous *float64 `json:"previous,omitempty"`
}

// TrainStopEvent is emitted when the loop exits, before final evaluation.
type TrainStopEvent struct {
	BaseEvent
	Reason      string  `json:"reason"`
	TotalEpochs float64 `json:"total_epochs"`
	ElapsedSec  float64 `json:"elapsed_sec"`
}

// TrainStateChangedEvent is emitted when the loop state changes.
// This enables the TUI and other observers to track state transitions.
type TrainStateChangedEvent struct {
	BaseEvent
	From string `json:"from"`
	To   string `json:"to"`
}

// EvalCompleteEvent is emitted after a final valid or test evaluation.
type EvalCompleteEvent struct {
	BaseEvent
	Datatype   string         `json:"datatype"`
	DurationMs int64          `json:"duration_ms"`
	Report     map[string]any `json:"report,omitempty"`
}

// Severity constants for error events.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
	SeverityFatal   = "fatal"
)

// ErrorEvent is emitted for any error condition.
type ErrorEvent struct {
	BaseEvent
	Message  string            `json:"message"`
	Severity string            `json:"severity"`
	Context  map[string]string `json:"context,omitempty"`
}

// NewEvent creates a BaseEvent with the given type and source.
func NewEvent(eventType EventType, source string) BaseEvent {
	return BaseEvent{
		EventType: eventType,
		Time:      time.Now(),
		Src:       source,
	}
}

// NewTrainerEvent creates a BaseEvent for the training loop of run runID.
func NewTrainerEvent(eventType EventType, runID string) BaseEvent {
	e := NewEvent(eventType, SourceTrainer)
	e.RunID = runID
	return e
}
