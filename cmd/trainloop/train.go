package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/npratt/trainloop/internal/config"
	"github.com/npratt/trainloop/internal/daemon"
	"github.com/npratt/trainloop/internal/dist"
	"github.com/npratt/trainloop/internal/events"
	"github.com/npratt/trainloop/internal/shutdown"
	"github.com/npratt/trainloop/internal/task"
	"github.com/npratt/trainloop/internal/trainloop"
	"github.com/npratt/trainloop/internal/tui"
)

// tuiBufferSize is the dashboard's event subscription buffer.
const tuiBufferSize = 5000

// trainRun holds what a train invocation sets up and tears down.
type trainRun struct {
	cfg      *config.Config
	logger   *slog.Logger
	logLevel slog.Leveler
	out      io.Writer
	useTUI   bool
	detached bool
}

// newWorkers builds one loop per configured worker. Workers share runID
// and a local group; only the primary gets the router and example display.
func newWorkers(ctx context.Context, cfg *config.Config, runID string, factory task.Factory, router *events.Router, display io.Writer, logger *slog.Logger) ([]*trainloop.Loop, error) {
	n := max(1, cfg.Workers)

	groups := []dist.Group{dist.Single{}}
	if n > 1 {
		local, err := dist.NewLocalGroup(n)
		if err != nil {
			return nil, fmt.Errorf("create worker group: %w", err)
		}
		groups = make([]dist.Group, n)
		for rank := range n {
			groups[rank] = local.Worker(rank)
		}
	}

	loops := make([]*trainloop.Loop, n)
	for rank, g := range groups {
		opts := []trainloop.Option{
			trainloop.WithGroup(g),
			trainloop.WithRunID(runID),
			trainloop.WithLogger(logger),
		}
		if g.IsPrimary() {
			opts = append(opts, trainloop.WithRouter(router))
			if display != nil {
				opts = append(opts, trainloop.WithDisplay(display))
			}
		}
		l, err := trainloop.New(ctx, cfg, factory, opts...)
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", rank, err)
		}
		loops[rank] = l
	}
	return loops, nil
}

// trainAll runs every worker to completion and returns the primary's
// result. The first worker to fail cancels the rest, since the others
// would otherwise wait on it forever at the next sync point.
func trainAll(ctx context.Context, loops []*trainloop.Loop) (trainloop.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]trainloop.Result, len(loops))
	errs := make([]error, len(loops))

	var wg sync.WaitGroup
	for i, l := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = l.Run(ctx)
			if errs[i] != nil {
				cancel()
			}
		}()
	}
	wg.Wait()

	return results[0], firstError(errs)
}

// firstError prefers a real failure over the cancellations it caused.
func firstError(errs []error) error {
	var cancelled error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}
		if cancelled == nil {
			cancelled = err
		}
	}
	return cancelled
}

// printResult writes the final reports.
func printResult(w io.Writer, res trainloop.Result) {
	_, _ = fmt.Fprintf(w, "stopped: %s after %s epochs (%s)\n",
		res.Reason, events.FormatFloat(res.TotalEpochs), res.Elapsed.Round(time.Second))
	if res.Best != nil {
		_, _ = fmt.Fprintf(w, "best valid: %s\n", events.FormatFloat(*res.Best))
	}
	if res.Valid != nil {
		_, _ = fmt.Fprintf(w, "valid: %s\n", res.Valid)
	}
	if res.Test != nil {
		_, _ = fmt.Fprintf(w, "test: %s\n", res.Test)
	}
}

// run trains with sinks, control socket and, optionally, the dashboard.
func (r *trainRun) run(ctx context.Context, projectRoot string, factory task.Factory) error {
	cfg := r.cfg
	logger := r.logger

	infoPath := daemon.RunInfoPath(projectRoot)
	if err := os.MkdirAll(filepath.Dir(infoPath), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	runID := uuid.NewString()
	if daemon.ClearStale(cfg.Paths.Lock, cfg.Paths.Socket) {
		logger.Info("removed files left by a dead trainer", "lock", cfg.Paths.Lock)
	}
	lock, err := daemon.AcquireRunLock(cfg.Paths.Lock, daemon.Holder{RunID: runID, ModelFile: cfg.Model.File})
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	// The dashboard owns the terminal; logs go to a rotating file instead.
	if r.useTUI || r.detached {
		debug, err := openDebugLog(filepath.Dir(cfg.Paths.Log), r.logLevel, cfg.LogRotation)
		if err != nil {
			return err
		}
		defer func() { _ = debug.Close() }()
		logger = debug.Logger
		slog.SetDefault(logger)
	}

	router := events.NewRouter(logger)
	sinkCtx, sinkCancel := context.WithCancel(ctx)
	defer sinkCancel()

	logSink := events.NewLogSink(cfg.Paths.Log, logger, events.WithBackups(cfg.Paths.LogBackups))
	if err := logSink.Start(sinkCtx, router.Subscribe("log", events.DefaultBufferSize)); err != nil {
		router.Close()
		return fmt.Errorf("start log sink: %w", err)
	}
	progressSink := events.NewProgressSink(cfg.Paths.Progress, logger)
	if err := progressSink.Start(sinkCtx, router.Subscribe("progress", events.ProgressBufferSize)); err != nil {
		router.Close()
		_ = logSink.Stop()
		return fmt.Errorf("start progress sink: %w", err)
	}
	defer func() {
		router.Close()
		_ = logSink.Stop()
		_ = progressSink.Stop()
	}()

	var tuiEvents <-chan events.Event
	if r.useTUI {
		tuiEvents = router.Subscribe("tui", tuiBufferSize)
	}

	var display io.Writer
	if !r.useTUI {
		display = r.out
	}
	loops, err := newWorkers(ctx, cfg, runID, factory, router, display, logger)
	if err != nil {
		return err
	}
	primary := loops[0]

	logger.Info("trainloop starting",
		"version", version,
		"run_id", runID,
		"task", cfg.Task,
		"workers", len(loops),
		"model_file", cfg.Model.File,
		"log_file", cfg.Paths.Log,
		"daemon_mode", r.detached)

	info := &daemon.RunInfo{
		RunID:      runID,
		PID:        os.Getpid(),
		SocketPath: cfg.Paths.Socket,
		LockPath:   cfg.Paths.Lock,
		LogPath:    cfg.Paths.Log,
		ModelFile:  cfg.Model.File,
		StartTime:  time.Now(),
	}
	if err := daemon.WriteRunInfo(infoPath, info); err != nil {
		logger.Warn("failed to write run info", "error", err)
	}
	defer func() { _ = daemon.RemoveRunInfo(infoPath) }()

	dmn := daemon.New(cfg.Paths.Socket, primary,
		daemon.WithLogger(logger),
		daemon.WithDropCounter(router))
	daemonCtx, daemonCancel := context.WithCancel(ctx)
	daemonDone := make(chan struct{})
	go func() {
		defer close(daemonDone)
		if err := dmn.Serve(daemonCtx); err != nil {
			logger.Error("control socket error", "error", err)
		}
	}()
	defer func() {
		daemonCancel()
		<-daemonDone
	}()

	var res trainloop.Result
	train := func() error {
		return shutdown.RunWithGracefulShutdown(ctx, logger, cfg.Shutdown.Timeout,
			func(runCtx context.Context) error {
				var err error
				res, err = trainAll(runCtx, loops)
				return err
			},
			primary.Stop,
		)
	}

	if !r.useTUI {
		if err := train(); err != nil {
			return err
		}
		logger.Info("training complete",
			"reason", res.Reason,
			"total_epochs", res.TotalEpochs,
			"valid", res.Valid.String(),
			"test", res.Test.String())
		printResult(r.out, res)
		return nil
	}

	trainDone := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		trainDone <- train()
	}()

	dash := tui.New(tuiEvents,
		tui.WithOnPause(primary.Pause),
		tui.WithOnResume(primary.Resume),
		tui.WithOnQuit(primary.Stop),
		tui.WithStatsGetter(primary),
		tui.WithOutput(r.out),
		tui.WithDone(finished),
	)
	tuiErr := dash.Run()

	// Quitting the dashboard stops training gracefully; final evaluation
	// still has to finish.
	primary.Stop()
	if primary.State() != trainloop.StateDone {
		_, _ = fmt.Fprintln(r.out, "Finishing run (final evaluation)...")
	}
	if err := <-trainDone; err != nil {
		return err
	}
	printResult(r.out, res)
	return tuiErr
}
