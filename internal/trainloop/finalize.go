package trainloop

import (
	"context"
	"fmt"

	"github.com/npratt/trainloop/internal/checkpoint"
	"github.com/npratt/trainloop/internal/metrics"
	"github.com/npratt/trainloop/internal/task"
)

// finalize saves or reloads the best model and runs the closing valid and
// test evaluations.
func (l *Loop) finalize(ctx context.Context) (Result, error) {
	l.setState(StateFinalizing)

	if !l.saved {
		if err := l.saveModel(ctx, checkpoint.Best); err != nil {
			return Result{}, err
		}
	} else if l.paths.HasModel() {
		// The primary wrote the best model during validation.
		if err := l.barrier(ctx); err != nil {
			return Result{}, err
		}
		l.logger.Info("reloading best model", "path", l.paths.Model)
		agent, err := l.factory.NewAgent(ctx, l.paths.Model)
		if err != nil {
			return Result{}, fmt.Errorf("reload best model: %w", err)
		}
		l.agent = agent
	}

	l.shutdownWorlds()

	maxExs := -1
	if l.cfg.Validation.ShortFinalEval {
		maxExs = l.validQuota()
	}

	valid, err := l.finalEval(ctx, task.SplitValid, maxExs)
	if err != nil {
		return Result{}, err
	}
	test, err := l.finalEval(ctx, task.SplitTest, maxExs)
	if err != nil {
		return Result{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	res := Result{
		RunID:         l.runID,
		TotalEpochs:   l.totalEpochs,
		TotalExamples: l.totalExs,
		Impatience:    l.impatience,
		Valid:         valid,
		Test:          test,
	}
	if l.best != nil {
		b := *l.best
		res.Best = &b
	}
	return res, nil
}

func (l *Loop) finalEval(ctx context.Context, split task.Split, maxExs int) (metrics.Report, error) {
	worlds, err := l.evalWorlds(ctx, l.agent, split)
	if err != nil {
		return nil, err
	}
	defer shutdownAll(worlds)
	return l.evaluate(ctx, worlds, string(split), maxExs, true)
}

// shutdownWorlds releases every world the loop still holds.
func (l *Loop) shutdownWorlds() {
	if l.world != nil {
		l.world.Shutdown()
		l.world = nil
	}
	shutdownAll(l.validWorlds)
	l.validWorlds = nil
}
