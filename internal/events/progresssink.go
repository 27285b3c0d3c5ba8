package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProgressBufferSize is the recommended buffer size for progress sink subscriptions.
const ProgressBufferSize = 1000

// DefaultMinSaveDelay is the minimum time between progress file writes.
const DefaultMinSaveDelay = time.Second

// Progress is the snapshot written to the progress file so external monitors
// can poll a run without connecting to its control socket. Times are unix
// seconds.
type Progress struct {
	RunID           string         `json:"run_id"`
	Status          string         `json:"status"`
	CurrentStep     int64          `json:"current_step"`
	CurrentEpoch    float64        `json:"current_epoch"`
	TotalEpochs     *float64       `json:"total_epochs,omitempty"`
	TotalExamples   int64          `json:"total_exs"`
	Message         string         `json:"message,omitempty"`
	TrainingMetrics map[string]any `json:"training_metrics,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	BestValid       *float64       `json:"best_valid,omitempty"`
	Impatience      int            `json:"impatience"`
	ETASec          *float64       `json:"estimated_remaining_seconds,omitempty"`
	StartTime       *int64         `json:"start_time,omitempty"`
	Timestamp       int64          `json:"timestamp"`
}

// ProgressSink keeps a debounced progress file up to date.
type ProgressSink struct {
	path     string
	logger   *slog.Logger
	progress Progress
	dirty    bool
	mu       sync.Mutex
	done     chan struct{}
	lastSave time.Time
	minDelay time.Duration
}

// NewProgressSink creates a ProgressSink that writes to path.
func NewProgressSink(path string, logger *slog.Logger) *ProgressSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressSink{
		path:     path,
		logger:   logger,
		done:     make(chan struct{}),
		minDelay: DefaultMinSaveDelay,
	}
}

// Start ensures the directory exists and begins processing events.
func (s *ProgressSink) Start(ctx context.Context, events <-chan Event) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create progress directory: %w", err)
	}

	go s.run(ctx, events)
	return nil
}

func (s *ProgressSink) run(ctx context.Context, events <-chan Event) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.flushIfDirty()
			return
		case event, ok := <-events:
			if !ok {
				s.flushIfDirty()
				return
			}
			s.handleEvent(event)
		}
	}
}

func (s *ProgressSink) handleEvent(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &s.progress
	switch e := event.(type) {
	case *TrainStartEvent:
		p.RunID = e.RunID
		p.Status = "running"
		p.CurrentEpoch = e.ResumedEpochs
		if e.MaxEpochs > 0 {
			v := e.MaxEpochs
			p.TotalEpochs = &v
		}
		start := e.Timestamp().Unix()
		p.StartTime = &start
		p.Message = "training started"

	case *TrainStateChangedEvent:
		p.Status = e.To

	case *TrainLogEvent:
		p.CurrentStep = e.Parleys
		p.CurrentEpoch = e.TotalEpochs
		p.TotalExamples = e.TotalExamples
		p.TrainingMetrics = e.Report
		p.ETASec = e.ETASec

	case *TrainValidationEvent:
		p.CurrentEpoch = e.TotalEpochs
		p.Metrics = e.Report
		best := e.Best
		p.BestValid = &best
		p.Impatience = e.Impatience
		p.Message = formatValidation(e)

	case *TrainCheckpointEvent:
		p.Message = formatCheckpoint(e)

	case *TrainStopEvent:
		p.Status = "stopped"
		p.CurrentEpoch = e.TotalEpochs
		p.ETASec = nil
		p.Message = formatTrainStop(e)
		s.dirty = true
		s.saveUnlocked()
		return

	case *EvalCompleteEvent:
		p.Message = formatEvalComplete(e)
		if e.Datatype == "test" {
			p.Status = "done"
			s.dirty = true
			s.saveUnlocked()
			return
		}

	case *ErrorEvent:
		p.Message = formatError(e)

	default:
		return
	}
	s.dirty = true

	if time.Since(s.lastSave) >= s.minDelay {
		s.saveUnlocked()
	}
}

func (s *ProgressSink) saveUnlocked() {
	s.progress.Timestamp = time.Now().Unix()

	data, err := json.MarshalIndent(s.progress, "", "  ")
	if err != nil {
		s.logger.Warn("progress sink: marshal failed", "error", err)
		return
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		s.logger.Warn("progress sink: write failed", "path", tmpPath, "error", err)
		return
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		s.logger.Warn("progress sink: rename failed", "path", s.path, "error", err)
		return
	}

	s.dirty = false
	s.lastSave = time.Now()
}

func (s *ProgressSink) flushIfDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty {
		s.saveUnlocked()
	}
}

// Stop waits for the run goroutine to finish. Pending changes are flushed
// when the events channel closes or the context ends.
func (s *ProgressSink) Stop() error {
	<-s.done
	return nil
}

// Progress returns a copy of the current snapshot.
func (s *ProgressSink) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Path returns the progress file path.
func (s *ProgressSink) Path() string {
	return s.path
}

// SetMinDelay sets the minimum delay between saves (for testing).
func (s *ProgressSink) SetMinDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minDelay = d
}

// LoadProgress reads a progress file written by a ProgressSink.
func LoadProgress(path string) (Progress, error) {
	var p Progress
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse progress file: %w", err)
	}
	return p, nil
}
