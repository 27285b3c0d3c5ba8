// Package eval runs bounded evaluation passes over validation and test worlds.
package eval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/npratt/trainloop/internal/metrics"
	"github.com/npratt/trainloop/internal/task"
)

// ErrStopRequested is returned when a world's agent asks to stop training
// in the middle of an evaluation pass.
var ErrStopRequested = errors.New("stop requested during evaluation")

// Runner evaluates an agent over a set of worlds.
type Runner struct {
	logs    map[string]string
	display bool
	out     io.Writer
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogPaths enables the append-only result logs for the valid and test
// datatypes. An empty path leaves that log off.
func WithLogPaths(valid, test string) Option {
	return func(r *Runner) {
		r.logs = map[string]string{"valid": valid, "test": test}
	}
}

// WithDisplay writes the first batch of every world to out.
func WithDisplay(out io.Writer) Option {
	return func(r *Runner) {
		r.display = out != nil
		r.out = out
	}
}

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the clock used to time passes.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LogPath returns the result log for datatype, or "" when it is disabled.
func (r *Runner) LogPath(datatype string) string {
	return r.logs[datatype]
}

// Run evaluates every world and merges the per-world reports keyed by world
// ID. maxExs caps the examples seen across all worlds and is split evenly
// between them; maxExs <= 0 runs each world to the end of its data. When
// writeLog is set the summary line is appended to the datatype's log.
func (r *Runner) Run(ctx context.Context, worlds []task.World, datatype string, maxExs int, writeLog bool) (metrics.Report, error) {
	r.logger.Info("running eval", "datatype", datatype, "worlds", len(worlds), "max_exs", maxExs)
	start := r.now()

	quota := math.Inf(1)
	if maxExs > 0 && len(worlds) > 0 {
		quota = float64(maxExs) / float64(len(worlds))
	}

	named := make(map[string]metrics.Report, len(worlds))
	for _, w := range worlds {
		rep, err := r.runSingle(ctx, w, quota)
		if err != nil {
			return nil, err
		}
		named[w.ID()] = rep
	}
	report := metrics.AggregateNamed(named)

	r.logger.Info("eval completed",
		"datatype", datatype,
		"duration", r.now().Sub(start),
		"report", report.String())

	if writeLog {
		r.Log(datatype, report)
	}
	return report, nil
}

func (r *Runner) runSingle(ctx context.Context, w task.World, quota float64) (metrics.Report, error) {
	w.Reset()

	cnt := 0.0
	for !w.EpochDone() && cnt < quota {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		step, err := w.Parley(ctx)
		if err != nil {
			return nil, fmt.Errorf("eval %s: %w", w.ID(), err)
		}
		if step == task.StopRequested {
			return nil, fmt.Errorf("eval %s: %w", w.ID(), ErrStopRequested)
		}
		if cnt == 0 && r.display {
			_, _ = fmt.Fprintf(r.out, "%s\n~~\n%s\n", w.Display(), w.Report())
		}
		cnt += float64(max(w.BatchSize(), 1))
	}

	report := w.Report()
	w.Reset()
	return report, nil
}

// Log appends "<datatype>:<report>" to the datatype log. Failures are
// logged only. Multi-worker callers aggregate first and log once.
func (r *Runner) Log(datatype string, report metrics.Report) {
	line := datatype + ":" + report.String()
	path := r.LogPath(datatype)
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		r.logger.Warn("failed to open eval log", "path", path, "error", err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := io.WriteString(f, line+"\n"); err != nil {
		r.logger.Warn("failed to write eval log", "path", path, "error", err)
	}
}
