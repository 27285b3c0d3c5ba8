package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// forceCloseDelay lets the stop response reach the client before the
// socket goes away.
const forceCloseDelay = 50 * time.Millisecond

var errNoController = errors.New("no training run attached")

type handler func(d *Daemon, params json.RawMessage) (any, error)

var handlers = map[string]handler{
	MethodStatus: (*Daemon).status,
	MethodPause:  (*Daemon).pause,
	MethodResume: (*Daemon).resume,
	MethodStop:   (*Daemon).stop,
}

func (d *Daemon) dispatch(req Request) Response {
	resp := Response{ID: req.ID}

	h, ok := handlers[req.Method]
	if !ok {
		resp.Error = fmt.Sprintf("unknown method %q", req.Method)
		return resp
	}
	if d.ctrl == nil {
		resp.Error = errNoController.Error()
		return resp
	}

	result, err := h(d, req.Params)
	if err == nil {
		resp.Result, err = json.Marshal(result)
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Result = nil
	}
	return resp
}

func (d *Daemon) status(json.RawMessage) (any, error) {
	s := d.ctrl.Stats()
	started := d.StartedAt()

	out := StatusResponse{
		Status:    string(s.State),
		RunID:     s.RunID,
		Uptime:    time.Since(started).Truncate(time.Second).String(),
		StartTime: started.Format(time.RFC3339),
		Stats: StatusStats{
			Parleys:       s.Parleys,
			TotalEpochs:   s.TotalEpochs,
			TotalExamples: s.TotalExamples,
			ElapsedSec:    s.Elapsed.Seconds(),
			Impatience:    s.Impatience,
			Metric:        s.Metric,
			Best:          s.Best,
			ETASec:        s.ETA,
			StopReason:    string(s.Reason),
		},
	}
	if d.drops != nil {
		out.Stats.DroppedEvents = d.drops.Dropped()
		if by := d.drops.DroppedBy(); len(by) > 0 {
			out.Stats.DroppedBy = by
		}
	}
	return out, nil
}

func (d *Daemon) pause(json.RawMessage) (any, error) {
	d.ctrl.Pause()
	return Ack{State: "pausing"}, nil
}

func (d *Daemon) resume(json.RawMessage) (any, error) {
	d.ctrl.Resume()
	return Ack{State: "resuming"}, nil
}

// stop asks the loop to finalize. The socket stays up so status can
// follow the final evaluation, unless force is set.
func (d *Daemon) stop(raw json.RawMessage) (any, error) {
	var p StopParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("stop params: %w", err)
		}
	}

	d.ctrl.Stop()
	if p.Force {
		time.AfterFunc(forceCloseDelay, func() { _ = d.Close() })
	}
	return Ack{State: "stopping"}, nil
}
