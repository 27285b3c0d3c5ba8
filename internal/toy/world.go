package toy

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/npratt/trainloop/internal/metrics"
	"github.com/npratt/trainloop/internal/task"
)

// World feeds batches of one worker's shard to a perceptron. Training
// worlds update the weights and wrap around at the end of the shard;
// evaluation worlds only predict.
type World struct {
	id    string
	agent *Perceptron
	data  []Example
	total int
	batch int
	train bool
	delay time.Duration

	mu   sync.Mutex
	pos  int
	seen int

	exs     int
	correct int
	loss    float64
	last    string
}

var _ task.World = (*World)(nil)

// NewWorld creates a world over this worker's shard of examples. total is
// the size of the full dataset across every worker.
func NewWorld(id string, agent *Perceptron, shard []Example, total, batch int, train bool) *World {
	if batch < 1 {
		batch = 1
	}
	return &World{
		id:    id,
		agent: agent,
		data:  shard,
		total: total,
		batch: batch,
		train: train,
	}
}

// SetStepDelay adds artificial latency to every parley.
func (w *World) SetStepDelay(d time.Duration) { w.delay = d }

// ID returns the task name.
func (w *World) ID() string { return w.id }

// Parley runs one batch.
func (w *World) Parley(ctx context.Context) (task.Step, error) {
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return task.Continue, ctx.Err()
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.data) == 0 {
		return task.Continue, nil
	}
	if w.train && w.pos >= len(w.data) {
		w.pos = 0
	}

	end := min(w.pos+w.batch, len(w.data))
	for _, ex := range w.data[w.pos:end] {
		var pred int
		var score float64
		if w.train {
			pred, score = w.agent.Learn(ex.Features, ex.Label)
		} else {
			pred, score = w.agent.Predict(ex.Features)
		}
		w.exs++
		if pred == ex.Label {
			w.correct++
		}
		w.loss += math.Max(0, 1-float64(ex.Label)*score)
		w.last = display(ex, pred)
	}
	w.seen += end - w.pos
	w.pos = end
	return task.Continue, nil
}

// EpochDone reports whether the shard is exhausted.
func (w *World) EpochDone() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos >= len(w.data)
}

// Reset rewinds to the start of the shard and clears metrics.
func (w *World) Reset() {
	w.mu.Lock()
	w.pos = 0
	w.mu.Unlock()
	w.ResetMetrics()
}

// ResetMetrics clears accuracy and loss counters.
func (w *World) ResetMetrics() {
	w.mu.Lock()
	w.exs, w.correct, w.loss = 0, 0, 0
	w.mu.Unlock()
	if w.train {
		w.agent.ResetMetrics()
	}
}

// Display describes the most recent example.
func (w *World) Display() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// TotalEpochs is the examples this worker has seen over the full dataset size.
func (w *World) TotalEpochs() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.total == 0 {
		return 0
	}
	return float64(w.seen) / float64(w.total)
}

// NumExamples is the full dataset size.
func (w *World) NumExamples() int { return w.total }

// BatchSize is the number of examples per parley.
func (w *World) BatchSize() int { return w.batch }

// Report returns exs, accuracy and hinge loss since the last reset. Training
// worlds include the agent's own metrics.
func (w *World) Report() metrics.Report {
	w.mu.Lock()
	r := metrics.Report{metrics.KeyExamples: metrics.Sum(float64(w.exs))}
	if w.exs > 0 {
		r[metrics.KeyAccuracy] = metrics.Average(float64(w.correct), float64(w.exs))
		r["loss"] = metrics.Average(w.loss, float64(w.exs))
	}
	w.mu.Unlock()

	if w.train {
		for k, m := range w.agent.Report() {
			r[k] = m
		}
	}
	return r
}

// Shutdown releases nothing; the data lives in memory.
func (w *World) Shutdown() {}

func display(ex Example, pred int) string {
	parts := make([]string, len(ex.Features))
	for i, v := range ex.Features {
		parts[i] = fmt.Sprintf("%+.2f", v)
	}
	return fmt.Sprintf("x=[%s] label=%+d pred=%+d", strings.Join(parts, " "), ex.Label, pred)
}
