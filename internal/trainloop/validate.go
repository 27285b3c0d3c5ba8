package trainloop

import (
	"context"
	"fmt"

	"github.com/npratt/trainloop/internal/checkpoint"
	"github.com/npratt/trainloop/internal/dist"
	"github.com/npratt/trainloop/internal/events"
	"github.com/npratt/trainloop/internal/metrics"
	"github.com/npratt/trainloop/internal/task"
)

// validate runs a validation pass and updates best value and impatience.
// It returns a non-empty reason when training should stop.
func (l *Loop) validate(ctx context.Context) (StopReason, error) {
	if l.validWorlds == nil {
		worlds, err := l.evalWorlds(ctx, l.agent, task.SplitValid)
		if err != nil {
			return "", err
		}
		l.validWorlds = worlds
	}

	report, err := l.evaluate(ctx, l.validWorlds, string(task.SplitValid), l.validQuota(), false)
	if err != nil {
		return "", err
	}

	snapshot := report.ValuesOnly()
	snapshot[metrics.KeyTrainTime] = l.trainTime.Elapsed().Seconds()
	l.mu.Lock()
	l.validReports = append(l.validReports, snapshot)
	l.mu.Unlock()

	if l.cfg.Schedule.SaveAfterValid && l.paths.HasModel() && l.group.IsPrimary() {
		l.logger.Info("saving model checkpoint", "path", l.paths.Checkpoint)
		if err := l.saveModel(ctx, checkpoint.Checkpoint); err != nil {
			return "", err
		}
	}

	if r, ok := l.agent.(task.MetricsReceiver); ok {
		r.ReceiveMetrics(report)
	}

	value, ok := report.Value(l.metric)
	if !ok {
		return "", fmt.Errorf("validation metric %q missing from report %s", l.metric, report)
	}

	prev := l.best
	improved := prev == nil || l.optim*value > l.optim*(*prev)
	solved := false

	l.mu.Lock()
	if improved {
		l.best = &value
		l.impatience = 0
	} else {
		l.impatience++
	}
	impatience := l.impatience
	l.mu.Unlock()

	if improved {
		attrs := []any{"metric", l.metric, "value", value}
		if prev != nil {
			attrs = append(attrs, "previous", *prev)
		}
		l.logger.Info("new best", attrs...)
		l.emit(&events.TrainBestEvent{
			BaseEvent: events.NewTrainerEvent(events.EventTrainBest, l.runID),
			Metric:    l.metric,
			Value:     value,
			Previous:  prev,
		})

		if l.paths.HasModel() {
			if l.group.IsPrimary() {
				l.logger.Info("saving best valid model", "path", l.paths.Model)
				if err := l.saveModel(ctx, checkpoint.Best); err != nil {
					return "", err
				}
				if err := l.store.SaveBestValid(value); err != nil {
					return "", err
				}
			}
			l.saved = true
		}
		solved = l.metric == metrics.KeyAccuracy && value >= l.cfg.Validation.Cutoff
	} else {
		l.logger.Info("did not beat best",
			"metric", l.metric,
			"value", value,
			"best", *prev,
			"impatience", impatience)
	}

	l.emit(&events.TrainValidationEvent{
		BaseEvent:   events.NewTrainerEvent(events.EventTrainValidation, l.runID),
		TotalEpochs: l.totalEpochs,
		Metric:      l.metric,
		Value:       value,
		Best:        *l.best,
		Improved:    improved,
		Impatience:  impatience,
		Report:      report.ValuesOnly(),
	})
	l.validateTime.Reset()

	if solved {
		l.logger.Info("task solved, stopping", "metric", l.metric, "cutoff", l.cfg.Validation.Cutoff)
		return StopSolved, nil
	}
	if p := l.cfg.Validation.Patience; p > 0 && impatience >= p {
		l.logger.Info("ran out of patience, stopping", "patience", p)
		return StopPatience, nil
	}
	return "", nil
}

// validQuota is this worker's share of validation_max_exs. It is -1 when
// validation is unbounded and may be 0 when there are more workers than
// examples.
func (l *Loop) validQuota() int {
	total := l.cfg.Validation.MaxExamples
	if total <= 0 {
		return -1
	}
	return dist.ShardSize(total, l.group.NumWorkers(), l.group.Rank())
}

// evaluate runs one pass over worlds and merges the result across workers.
// A zero quota skips this worker's pass but still joins the merge.
func (l *Loop) evaluate(ctx context.Context, worlds []task.World, datatype string, maxExs int, writeLog bool) (metrics.Report, error) {
	start := l.clock()

	report := metrics.Report{}
	if maxExs != 0 {
		var err error
		report, err = l.runner.Run(ctx, worlds, datatype, maxExs, false)
		if err != nil {
			return nil, err
		}
	}
	report, err := l.syncReport(ctx, report)
	if err != nil {
		return nil, err
	}

	if writeLog && l.group.IsPrimary() {
		l.runner.Log(datatype, report)
	}
	if writeLog {
		l.emit(&events.EvalCompleteEvent{
			BaseEvent:  events.NewTrainerEvent(events.EventEvalComplete, l.runID),
			Datatype:   datatype,
			DurationMs: l.clock().Sub(start).Milliseconds(),
			Report:     report.ValuesOnly(),
		})
	}
	return report, nil
}

// evalWorlds builds one world per evaluation task. With share_agent set the
// worlds drive a shared copy of agent, when the agent supports it.
func (l *Loop) evalWorlds(ctx context.Context, agent task.Agent, split task.Split) ([]task.World, error) {
	evalAgent := agent
	if l.cfg.Validation.ShareAgent {
		if s, ok := agent.(task.Sharer); ok {
			evalAgent = s.Share()
		}
	}

	tasks := l.cfg.EvalTasks()
	worlds := make([]task.World, 0, len(tasks))
	for _, name := range tasks {
		w, err := l.factory.NewWorld(ctx, evalAgent, task.WorldOptions{
			Task:       name,
			Split:      split,
			BatchSize:  l.cfg.EvalBatch(),
			Rank:       l.group.Rank(),
			NumWorkers: l.group.NumWorkers(),
		})
		if err != nil {
			shutdownAll(worlds)
			return nil, fmt.Errorf("create %s world for %s: %w", split, name, err)
		}
		worlds = append(worlds, w)
	}
	return worlds, nil
}

func shutdownAll(worlds []task.World) {
	for _, w := range worlds {
		w.Shutdown()
	}
}
