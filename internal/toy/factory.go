package toy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/npratt/trainloop/internal/config"
	"github.com/npratt/trainloop/internal/task"
)

// Factory builds perceptron agents and synthetic task worlds.
type Factory struct {
	cfg    config.ToyConfig
	logger *slog.Logger
}

var _ task.Factory = (*Factory)(nil)

// NewFactory creates a Factory from the toy configuration.
func NewFactory(cfg config.ToyConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg, logger: logger}
}

// NewAgent creates a fresh perceptron, or loads one from initPath.
func (f *Factory) NewAgent(_ context.Context, initPath string) (task.Agent, error) {
	if initPath == "" {
		return NewPerceptron(f.cfg.Features, f.cfg.LearningRate), nil
	}
	a, err := LoadPerceptron(initPath)
	if err != nil {
		return nil, err
	}
	if a.Features() != f.cfg.Features {
		return nil, fmt.Errorf("snapshot %s has %d features, configured %d", initPath, a.Features(), f.cfg.Features)
	}
	f.logger.Info("loaded perceptron", "path", initPath, "learning_rate", a.LearningRate())
	return a, nil
}

// NewWorld builds a world over opts.Task, which may list several tasks
// separated by commas; their examples are concatenated. Workers take
// every NumWorkers-th example starting at Rank.
func (f *Factory) NewWorld(_ context.Context, agent task.Agent, opts task.WorldOptions) (task.World, error) {
	p, ok := agent.(*Perceptron)
	if !ok {
		return nil, fmt.Errorf("toy worlds need a *toy.Perceptron, got %T", agent)
	}

	n := f.cfg.EvalExamples
	if opts.Split == task.SplitTrain {
		n = f.cfg.Examples
	}

	var all []Example
	for _, name := range strings.Split(opts.Task, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		exs, err := Generate(name, opts.Split, n, f.cfg.Features, f.cfg.Seed)
		if err != nil {
			return nil, err
		}
		all = append(all, exs...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no examples for task %q", opts.Task)
	}

	shard := Shard(all, opts.Rank, opts.NumWorkers)
	train := opts.Split == task.SplitTrain
	if train && len(shard) == 0 {
		return nil, fmt.Errorf("worker %d of %d has no training examples", opts.Rank, opts.NumWorkers)
	}

	w := NewWorld(opts.Task, p, shard, len(all), opts.BatchSize, train)
	if train {
		w.SetStepDelay(f.cfg.StepDelay)
	}
	f.logger.Debug("built toy world",
		"task", opts.Task,
		"split", opts.Split,
		"examples", len(shard),
		"total", len(all),
		"rank", opts.Rank)
	return w, nil
}

// Shard returns every n-th example starting at rank.
func Shard(all []Example, rank, n int) []Example {
	if n <= 1 {
		return all
	}
	var out []Example
	for i := rank; i < len(all); i += n {
		out = append(out, all[i])
	}
	return out
}
