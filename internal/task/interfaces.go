// Package task defines the collaborator interfaces the training loop drives:
// the agent being trained, the world that feeds it examples, and the factory
// that builds both.
package task

import (
	"context"

	"github.com/npratt/trainloop/internal/metrics"
)

// Step is the outcome of one parley.
type Step int

const (
	// Continue means the step completed normally.
	Continue Step = iota
	// StopRequested means the agent decided training is complete.
	StopRequested
)

func (s Step) String() string {
	if s == StopRequested {
		return "stop_requested"
	}
	return "continue"
}

// Split selects which slice of a task's data a world iterates.
type Split string

// Data splits.
const (
	SplitTrain Split = "train"
	SplitValid Split = "valid"
	SplitTest  Split = "test"
)

// Agent is the model being trained.
type Agent interface {
	// Save writes a full snapshot to path.
	Save(ctx context.Context, path string) error
	Report() metrics.Report
	ResetMetrics()
}

// MetricsReceiver is implemented by agents that adapt to validation results,
// e.g. learning-rate schedules.
type MetricsReceiver interface {
	ReceiveMetrics(report metrics.Report)
}

// Sharer is implemented by agents that can hand out a snapshot copy sharing
// their weights, so evaluation does not disturb training state.
type Sharer interface {
	Share() Agent
}

// World pairs an agent with a stream of examples.
type World interface {
	// ID identifies the task, used as the key when merging eval reports.
	ID() string
	// Parley runs one batch step.
	Parley(ctx context.Context) (Step, error)
	EpochDone() bool
	Reset()
	ResetMetrics()
	Display() string
	// TotalEpochs is the fractional number of epochs this world completed.
	TotalEpochs() float64
	// NumExamples is the number of examples in one epoch.
	NumExamples() int
	// BatchSize is the number of examples consumed per parley.
	BatchSize() int
	Report() metrics.Report
	Shutdown()
}

// WorldOptions configures world construction.
type WorldOptions struct {
	Task      string
	Split     Split
	BatchSize int
	// Rank and NumWorkers select the training shard.
	Rank       int
	NumWorkers int
}

// Factory builds agents and worlds. initPath, when non-empty, names a
// snapshot previously written by Agent.Save.
type Factory interface {
	NewAgent(ctx context.Context, initPath string) (Agent, error)
	NewWorld(ctx context.Context, agent Agent, opts WorldOptions) (World, error)
}
