// Package trainloop orchestrates a training run: it steps the training
// world, and on schedule logs progress, validates, checkpoints, and decides
// when to stop. After the loop exits it saves or reloads the best model and
// runs the final valid and test evaluations.
package trainloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/npratt/trainloop/internal/checkpoint"
	"github.com/npratt/trainloop/internal/config"
	"github.com/npratt/trainloop/internal/dist"
	"github.com/npratt/trainloop/internal/eval"
	"github.com/npratt/trainloop/internal/events"
	"github.com/npratt/trainloop/internal/metrics"
	"github.com/npratt/trainloop/internal/task"
	"github.com/npratt/trainloop/internal/timer"
)

// ErrStopNotSupported is returned when an agent asks to stop training while
// several workers are running. Workers cannot agree on the stop, so the run
// fails instead.
var ErrStopNotSupported = errors.New("agent-initiated stop is not supported with multiple workers")

// State represents the loop's current state.
type State string

// Loop states.
const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
)

// StopReason says why the training loop exited.
type StopReason string

// Stop reasons, in the order the loop checks them.
const (
	StopCaller    StopReason = "stop_requested"
	StopAgent     StopReason = "agent_stop"
	StopMaxEpochs StopReason = "max_epochs"
	StopMaxTime   StopReason = "max_train_time"
	StopSolved    StopReason = "solved"
	StopPatience  StopReason = "patience"
)

// Result is what a finished run returns.
type Result struct {
	RunID         string
	Reason        StopReason
	TotalEpochs   float64
	TotalExamples int64
	Elapsed       time.Duration
	Best          *float64
	Impatience    int
	Valid         metrics.Report
	Test          metrics.Report
}

// Stats is a point-in-time snapshot of a running loop.
type Stats struct {
	RunID         string
	State         State
	Parleys       int64
	TotalEpochs   float64
	TotalExamples int64
	Elapsed       time.Duration
	Impatience    int
	Metric        string
	Best          *float64
	ETA           *float64 // seconds
	Reason        StopReason
}

// Loop drives one worker's training run.
type Loop struct {
	cfg     *config.Config
	paths   config.Paths
	limits  config.Limits
	metric  string
	optim   float64 // +1 maximize, -1 minimize
	factory task.Factory
	group   dist.Group
	router  *events.Router
	logger  *slog.Logger
	clock   timer.Clock
	display io.Writer
	runID   string

	store  *checkpoint.Store
	runner *eval.Runner

	agent       task.Agent
	world       task.World
	validWorlds []task.World

	trainTime    *timer.Timer
	logTime      *timer.Timer
	validateTime *timer.Timer
	saveTime     *timer.Timer

	preemptedEpochs float64
	preemptedTime   time.Duration
	lastValidEpoch  float64
	saved           bool

	// Progress fields are written by the loop goroutine under mu and read
	// by Stats from any goroutine.
	mu           sync.RWMutex
	state        State
	parleys      int64
	totalEpochs  float64
	totalExs     int64
	impatience   int
	best         *float64
	validReports []map[string]any
	reason       StopReason

	started       atomic.Bool
	stopRequested atomic.Bool

	// Control signals for pause/resume/stop
	pauseSignal  chan struct{}
	resumeSignal chan struct{}
	stopSignal   chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithGroup joins the loop to a worker group. The default is a single worker.
func WithGroup(g dist.Group) Option {
	return func(l *Loop) {
		if g != nil {
			l.group = g
		}
	}
}

// WithRouter sets where the loop emits events.
func WithRouter(r *events.Router) Option {
	return func(l *Loop) { l.router = r }
}

// WithLogger sets the loop's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the clock behind every timer.
func WithClock(clock timer.Clock) Option {
	return func(l *Loop) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithDisplay sets where example displays are printed when
// display_examples is enabled.
func WithDisplay(out io.Writer) Option {
	return func(l *Loop) { l.display = out }
}

// WithRunID sets the run identifier. Workers of one run share it.
func WithRunID(id string) Option {
	return func(l *Loop) {
		if id != "" {
			l.runID = id
		}
	}
}

// New validates cfg, restores any previous training stats, and builds the
// agent and training world. Configuration errors are returned before any
// training step runs.
func New(ctx context.Context, cfg *config.Config, factory task.Factory, opts ...Option) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Loop{
		cfg:          cfg,
		paths:        config.DerivePaths(cfg),
		limits:       cfg.Schedule.Limits(),
		metric:       cfg.Validation.Metric,
		optim:        1,
		factory:      factory,
		group:        dist.Single{},
		logger:       slog.Default(),
		clock:        time.Now,
		runID:        uuid.NewString(),
		state:        StateIdle,
		validReports: []map[string]any{},
		pauseSignal:  make(chan struct{}, 1),
		resumeSignal: make(chan struct{}, 1),
		stopSignal:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	if cfg.MetricMode() == config.ModeMin {
		l.optim = -1
	}
	l.logger = l.logger.With("run_id", l.runID, "rank", l.group.Rank())

	l.store = checkpoint.NewStore(l.paths,
		checkpoint.WithLogger(l.logger),
		checkpoint.WithInterruptHandler(func(os.Signal) { l.Stop() }))

	evalOpts := []eval.Option{
		eval.WithLogPaths(l.paths.ValidLog, l.paths.TestLog),
		eval.WithLogger(l.logger),
		eval.WithClock(l.clock),
	}
	if cfg.DisplayExamples && l.display != nil {
		evalOpts = append(evalOpts, eval.WithDisplay(l.display))
	}
	l.runner = eval.NewRunner(evalOpts...)

	l.trainTime = timer.NewWithClock(l.clock)
	l.logTime = timer.NewWithClock(l.clock)
	l.validateTime = timer.NewWithClock(l.clock)
	l.saveTime = timer.NewWithClock(l.clock)

	initPath, slot := l.initPaths()
	if err := l.restore(slot); err != nil {
		return nil, err
	}

	agent, err := factory.NewAgent(ctx, initPath)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	l.agent = agent

	world, err := factory.NewWorld(ctx, agent, task.WorldOptions{
		Task:       cfg.Task,
		Split:      task.SplitTrain,
		BatchSize:  cfg.BatchSize,
		Rank:       l.group.Rank(),
		NumWorkers: l.group.NumWorkers(),
	})
	if err != nil {
		return nil, fmt.Errorf("create training world: %w", err)
	}
	l.world = world

	return l, nil
}

// initPaths picks the snapshot to initialize the agent from and the slot
// whose stats go with it.
func (l *Loop) initPaths() (initPath string, slot checkpoint.Slot) {
	if !l.paths.HasModel() {
		return "", checkpoint.Best
	}
	if l.cfg.LoadFromCheckpoint && l.store.HasCheckpoint() {
		l.logger.Info("resuming from checkpoint", "path", l.paths.Checkpoint)
		return l.paths.Checkpoint, checkpoint.Checkpoint
	}
	if _, err := os.Stat(l.paths.Model); err == nil {
		return l.paths.Model, checkpoint.Best
	}
	return "", checkpoint.Best
}

// restore loads persisted training stats and the best validation value.
func (l *Loop) restore(slot checkpoint.Slot) error {
	if !l.paths.HasModel() {
		return nil
	}

	stats, found, err := l.store.Load(slot)
	if err != nil {
		return err
	}
	if found {
		l.preemptedEpochs = stats.TotalEpochs
		l.preemptedTime = stats.Elapsed()
		l.impatience = stats.Impatience
		l.validReports = stats.ValidReports
		l.lastValidEpoch = stats.TotalEpochs
		l.totalEpochs = stats.TotalEpochs
		l.logger.Info("loaded train stats",
			"path", l.store.StatsPath(slot),
			"total_epochs", stats.TotalEpochs,
			"train_time", l.preemptedTime,
			"impatience", stats.Impatience,
			"validations", len(stats.ValidReports))
	}

	best, found, err := l.store.LoadBestValid()
	if err != nil {
		l.logger.Warn("ignoring unreadable best valid", "path", l.paths.BestValid, "error", err)
	} else if found {
		l.best = &best
		l.logger.Info("loaded best valid", "metric", l.metric, "value", best)
	}
	return nil
}

// Run trains until a stop condition fires, then finalizes. It blocks until
// the run completes. Cancelling ctx aborts the run without final
// evaluation; use Stop for a graceful stop.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	if !l.started.CompareAndSwap(false, true) {
		return Result{}, errors.New("training loop already started")
	}

	l.trainTime.Reset()
	l.trainTime.Seed(l.preemptedTime)
	l.logTime.Reset()
	l.validateTime.Reset()
	l.saveTime.Reset()

	l.emit(&events.TrainStartEvent{
		BaseEvent:       events.NewTrainerEvent(events.EventTrainStart, l.runID),
		Task:            l.cfg.Task,
		ModelFile:       l.paths.Model,
		Workers:         l.group.NumWorkers(),
		ResumedEpochs:   l.preemptedEpochs,
		ResumedTimeSec:  l.preemptedTime.Seconds(),
		MaxEpochs:       finite(l.limits.MaxEpochs),
		MaxTrainTimeSec: finite(l.limits.MaxTrainTime),
		Metric:          l.metric,
		Mode:            l.cfg.MetricMode(),
	})
	l.setState(StateRunning)
	l.logger.Info("training started",
		"task", l.cfg.Task,
		"workers", l.group.NumWorkers(),
		"resumed_epochs", l.preemptedEpochs)

	reason, err := l.train(ctx)
	if err != nil {
		l.fail(err)
		return Result{}, err
	}

	l.mu.Lock()
	l.reason = reason
	l.mu.Unlock()

	elapsed := l.trainTime.Elapsed()
	l.logger.Info("training stopped", "reason", reason, "total_epochs", l.totalEpochs, "elapsed", elapsed)
	l.emit(&events.TrainStopEvent{
		BaseEvent:   events.NewTrainerEvent(events.EventTrainStop, l.runID),
		Reason:      string(reason),
		TotalEpochs: l.totalEpochs,
		ElapsedSec:  elapsed.Seconds(),
	})

	res, err := l.finalize(ctx)
	if err != nil {
		l.fail(err)
		return Result{}, err
	}
	res.Reason = reason
	res.Elapsed = elapsed
	l.setState(StateDone)
	return res, nil
}

// fail releases worlds and reports a fatal error.
func (l *Loop) fail(err error) {
	l.logger.Error("training failed", "error", err)
	l.emit(&events.ErrorEvent{
		BaseEvent: events.NewTrainerEvent(events.EventError, l.runID),
		Message:   err.Error(),
		Severity:  events.SeverityFatal,
	})
	l.shutdownWorlds()
	l.setState(StateDone)
}

// train runs steps until a stop condition fires.
func (l *Loop) train(ctx context.Context) (StopReason, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		select {
		case <-l.pauseSignal:
			if err := l.waitWhilePaused(ctx); err != nil {
				return "", err
			}
		default:
		}

		step, err := l.world.Parley(ctx)
		if err != nil {
			return "", fmt.Errorf("train step: %w", err)
		}
		if step == task.StopRequested {
			if l.group.IsDistributed() {
				return "", ErrStopNotSupported
			}
			l.logger.Info("agent requested stop")
			return StopAgent, nil
		}

		s, err := l.sync(ctx)
		if err != nil {
			return "", err
		}
		l.advance(s.Epochs)

		if s.Stop {
			return StopCaller, nil
		}
		if l.totalEpochs >= l.limits.MaxEpochs {
			if err := l.log(ctx, s.Train); err != nil {
				return "", err
			}
			l.logger.Info("num_epochs completed", "max_epochs", l.limits.MaxEpochs, "elapsed", seconds(s.Train))
			return StopMaxEpochs, nil
		}
		if s.Train > l.limits.MaxTrainTime {
			l.logger.Info("max_train_time elapsed", "elapsed", seconds(s.Train))
			return StopMaxTime, nil
		}
		if s.Log > l.limits.LogEvery {
			if err := l.log(ctx, s.Train); err != nil {
				return "", err
			}
		}
		if s.Validate > l.limits.ValidationEveryTime ||
			l.totalEpochs-l.lastValidEpoch >= l.limits.ValidationEveryEpochs {
			reason, err := l.validate(ctx)
			if errors.Is(err, eval.ErrStopRequested) {
				if l.group.IsDistributed() {
					return "", ErrStopNotSupported
				}
				l.logger.Info("agent requested stop during validation")
				return StopAgent, nil
			}
			if err != nil {
				return "", err
			}
			l.lastValidEpoch = l.totalEpochs
			if reason != "" {
				return reason, nil
			}
		}
		if l.saveTime.Elapsed().Seconds() > l.limits.SaveEvery &&
			l.paths.HasModel() && l.group.IsPrimary() {
			l.logger.Info("saving model checkpoint", "path", l.paths.Checkpoint)
			if err := l.saveModel(ctx, checkpoint.Checkpoint); err != nil {
				return "", err
			}
			l.saveTime.Reset()
		}
	}
}

// stepSync is the agreed view of one step. Epochs and Stop are combined
// from every worker; the timer readings are the primary's.
type stepSync struct {
	Epochs   float64
	Train    float64
	Log      float64
	Validate float64
	Stop     bool
}

// progress is what each worker contributes to the all-gather.
type progress struct {
	Epochs float64
	Stop   bool
}

// timerReading is broadcast from the primary so every worker fires the
// same schedule checks.
type timerReading struct {
	Train, Log, Validate float64
}

// sync exchanges step progress with the other workers. The returned Epochs
// is the sum of every worker's epochs this run.
func (l *Loop) sync(ctx context.Context) (stepSync, error) {
	vals, err := l.group.AllGather(ctx, progress{
		Epochs: l.world.TotalEpochs(),
		Stop:   l.stopRequested.Load(),
	})
	if err != nil {
		return stepSync{}, fmt.Errorf("sync step: %w", err)
	}
	var out stepSync
	for i, v := range vals {
		p, ok := v.(progress)
		if !ok {
			return stepSync{}, fmt.Errorf("sync step: worker %d sent %T", i, v)
		}
		out.Epochs += p.Epochs
		out.Stop = out.Stop || p.Stop
	}

	v, err := l.group.Broadcast(ctx, timerReading{
		Train:    l.trainTime.Elapsed().Seconds(),
		Log:      l.logTime.Elapsed().Seconds(),
		Validate: l.validateTime.Elapsed().Seconds(),
	})
	if err != nil {
		return stepSync{}, fmt.Errorf("sync timers: %w", err)
	}
	t, ok := v.(timerReading)
	if !ok {
		return stepSync{}, fmt.Errorf("sync timers: primary sent %T", v)
	}
	out.Train, out.Log, out.Validate = t.Train, t.Log, t.Validate
	return out, nil
}

// syncReport merges a report across workers. Single-worker runs return it
// unchanged.
func (l *Loop) syncReport(ctx context.Context, r metrics.Report) (metrics.Report, error) {
	if !l.group.IsDistributed() {
		return r, nil
	}
	vals, err := l.group.AllGather(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("sync report: %w", err)
	}
	reports := make([]metrics.Report, 0, len(vals))
	for i, v := range vals {
		rep, ok := v.(metrics.Report)
		if !ok {
			return nil, fmt.Errorf("sync report: worker %d sent %T", i, v)
		}
		reports = append(reports, rep)
	}
	return metrics.AggregateUnnamed(reports), nil
}

// barrier waits until every worker reaches the same point.
func (l *Loop) barrier(ctx context.Context) error {
	if !l.group.IsDistributed() {
		return nil
	}
	if _, err := l.group.AllGather(ctx, nil); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	return nil
}

// advance records a completed step. epochs is this run's progress summed
// over workers; the restored offset is added, never replaced.
func (l *Loop) advance(epochs float64) {
	total := l.preemptedEpochs + epochs
	l.mu.Lock()
	l.parleys++
	l.totalEpochs = total
	l.totalExs = totalExamples(total, l.world.NumExamples())
	l.mu.Unlock()
}

// log emits a training progress line and clears the world's metrics.
func (l *Loop) log(ctx context.Context, trainSec float64) error {
	if l.cfg.DisplayExamples && l.display != nil {
		_, _ = fmt.Fprintf(l.display, "%s\n~~\n", l.world.Display())
	}

	report, err := l.syncReport(ctx, l.world.Report())
	if err != nil {
		return err
	}
	l.world.ResetMetrics()

	eta := ETA(l.totalEpochs, trainSec, l.limits)
	ev := &events.TrainLogEvent{
		BaseEvent:     events.NewTrainerEvent(events.EventTrainLog, l.runID),
		Parleys:       l.parleys,
		TotalEpochs:   l.totalEpochs,
		TotalExamples: l.totalExs,
		ElapsedSec:    trainSec,
		ETASec:        eta,
		Report:        report.ValuesOnly(),
	}
	if l.group.IsPrimary() {
		l.logger.Info(events.Format(ev))
	}
	l.emit(ev)
	l.logTime.Reset()
	return nil
}

// saveModel writes the agent and current stats to slot. Only the
// primary writes, and only when a model path is configured.
func (l *Loop) saveModel(ctx context.Context, slot checkpoint.Slot) error {
	if !l.group.IsPrimary() || !l.paths.HasModel() {
		return nil
	}

	elapsed := l.trainTime.Elapsed()
	l.mu.RLock()
	stats := checkpoint.Stats{
		TrainTime:    elapsed.Seconds(),
		TotalEpochs:  l.totalEpochs,
		Impatience:   l.impatience,
		ValidReports: l.validReports,
	}
	l.mu.RUnlock()

	if err := l.store.Save(ctx, l.agent, slot, stats); err != nil {
		return fmt.Errorf("save %s model: %w", slot, err)
	}
	l.emit(&events.TrainCheckpointEvent{
		BaseEvent:   events.NewTrainerEvent(events.EventTrainCheckpoint, l.runID),
		Path:        l.store.ModelPath(slot),
		TotalEpochs: stats.TotalEpochs,
		ElapsedSec:  stats.TrainTime,
	})
	return nil
}

// waitWhilePaused blocks with every timer paused until resume, stop, or
// cancellation.
func (l *Loop) waitWhilePaused(ctx context.Context) error {
	timers := []*timer.Timer{l.trainTime, l.logTime, l.validateTime, l.saveTime}
	for _, t := range timers {
		t.Pause()
	}
	l.setState(StatePaused)
	l.logger.Info("paused")
	defer func() {
		for _, t := range timers {
			t.Resume()
		}
	}()

	select {
	case <-l.resumeSignal:
		l.logger.Info("resumed")
	case <-l.stopSignal:
		l.logger.Info("stop requested while paused")
	case <-ctx.Done():
		return ctx.Err()
	}
	l.setState(StateRunning)
	return nil
}

// Stop requests a graceful stop. The loop exits after the current step and
// still runs final evaluation. It returns immediately.
func (l *Loop) Stop() {
	l.stopRequested.Store(true)
	select {
	case l.stopSignal <- struct{}{}:
		l.logger.Info("stop requested")
	default:
		// Signal already pending
	}
}

// Pause requests the loop to pause before its next step.
func (l *Loop) Pause() {
	select {
	case l.pauseSignal <- struct{}{}:
		l.logger.Info("pause requested")
	default:
		// Signal already pending
	}
}

// Resume requests the loop to continue from the paused state.
func (l *Loop) Resume() {
	select {
	case l.resumeSignal <- struct{}{}:
		l.logger.Info("resume requested")
	default:
		// Signal already pending
	}
}

// State returns the current loop state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// RunID returns the run identifier.
func (l *Loop) RunID() string { return l.runID }

// Paths returns the model artifact paths for this run.
func (l *Loop) Paths() config.Paths { return l.paths }

// Stats returns a snapshot of the run's progress.
func (l *Loop) Stats() Stats {
	elapsed := l.trainTime.Elapsed()

	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{
		RunID:         l.runID,
		State:         l.state,
		Parleys:       l.parleys,
		TotalEpochs:   l.totalEpochs,
		TotalExamples: l.totalExs,
		Elapsed:       elapsed,
		Impatience:    l.impatience,
		Metric:        l.metric,
		Reason:        l.reason,
	}
	if l.best != nil {
		b := *l.best
		s.Best = &b
	}
	if l.state == StateRunning || l.state == StatePaused {
		s.ETA = ETA(l.totalEpochs, elapsed.Seconds(), l.limits)
	}
	return s
}

// setState updates the state and emits a state change event.
func (l *Loop) setState(s State) {
	l.mu.Lock()
	from := l.state
	l.state = s
	l.mu.Unlock()

	if from == s {
		return
	}
	l.emit(&events.TrainStateChangedEvent{
		BaseEvent: events.NewTrainerEvent(events.EventTrainStateChanged, l.runID),
		From:      string(from),
		To:        string(s),
	})
}

// emit sends an event to the router if available.
func (l *Loop) emit(event events.Event) {
	if l.router != nil {
		l.router.Emit(event)
	}
}

func seconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
