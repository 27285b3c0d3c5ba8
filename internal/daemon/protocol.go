package daemon

import "encoding/json"

// Control methods served on the socket. Each connection carries one
// newline-delimited JSON request and one response.
const (
	MethodStatus = "status"
	MethodPause  = "pause"
	MethodResume = "resume"
	MethodStop   = "stop"
)

// Request is a control request. Params is method specific.
type Request struct {
	ID     int             `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request with the same ID. Exactly one of Result and
// Error is set.
type Response struct {
	ID     int             `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StatusResponse describes the trainer behind the socket.
type StatusResponse struct {
	Status    string      `json:"status"`
	RunID     string      `json:"run_id"`
	Uptime    string      `json:"uptime"`
	StartTime string      `json:"start_time"`
	Stats     StatusStats `json:"stats"`
}

// StatusStats are the training counters for the status response.
type StatusStats struct {
	Parleys       int64            `json:"parleys"`
	TotalEpochs   float64          `json:"total_epochs"`
	TotalExamples int64            `json:"total_exs"`
	ElapsedSec    float64          `json:"elapsed_sec"`
	Impatience    int              `json:"impatience"`
	Metric        string           `json:"metric"`
	Best          *float64         `json:"best,omitempty"`
	ETASec        *float64         `json:"eta_sec,omitempty"`
	StopReason    string           `json:"stop_reason,omitempty"`
	DroppedEvents int64            `json:"dropped_events,omitempty"`
	DroppedBy     map[string]int64 `json:"dropped_by,omitempty"`
}

// StopParams are the parameters of MethodStop.
type StopParams struct {
	// Force closes the socket right away; the loop still finalizes.
	Force bool `json:"force,omitempty"`
}

// Ack is the result of the pause, resume and stop methods.
type Ack struct {
	State string `json:"state"`
}
