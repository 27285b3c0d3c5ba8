package events

import (
	"encoding/json"
	"log/slog"
)

// eventEnvelope is used for initial JSON parsing to determine event type.
type eventEnvelope struct {
	Type EventType `json:"type"`
}

// ParseEvent parses a JSON line into a typed Event.
// Returns nil with no error for unknown event types (for forward compatibility).
func ParseEvent(line []byte) (Event, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, err
	}

	var ev Event
	var err error

	switch envelope.Type {
	case EventTrainStart:
		var e TrainStartEvent
		err = json.Unmarshal(line, &e)
		ev = &e

	case EventTrainStop:
		var e TrainStopEvent
		err = json.Unmarshal(line, &e)
		ev = &e

	case EventTrainStateChanged:
		var e TrainStateChangedEvent
		err = json.Unmarshal(line, &e)
		ev = &e

	case EventTrainLog:
		var e TrainLogEvent
		err = json.Unmarshal(line, &e)
		ev = &e

	case EventTrainValidation:
		var e TrainValidationEvent
		err = json.Unmarshal(line, &e)
		ev = &e

	case EventTrainCheckpoint:
		var e TrainCheckpointEvent
		err = json.Unmarshal(line, &e)
		ev = &e

	case EventTrainBest:
		var e TrainBestEvent
		err = json.Unmarshal(line, &e)
		ev = &e

	case EventEvalComplete:
		var e EvalCompleteEvent
		err = json.Unmarshal(line, &e)
		ev = &e

	case EventError:
		var e ErrorEvent
		err = json.Unmarshal(line, &e)
		ev = &e

	default:
		slog.Debug("skipping unknown event type", "type", envelope.Type)
		return nil, nil
	}

	if err != nil {
		return nil, err
	}
	return ev, nil
}
