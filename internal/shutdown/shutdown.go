// Package shutdown coordinates signal handling: graceful stop of a
// long-running job and protection of critical writes from interrupts.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// RunWithGracefulShutdown starts runner and waits for it to finish.
//
// The first SIGINT/SIGTERM calls stop, which should ask runner to wind down
// on its own (a training job still finalizes and evaluates). If runner has
// not returned within timeout, or a second signal arrives, runner's context
// is cancelled. A timeout of zero waits indefinitely for the second signal.
func RunWithGracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	timeout time.Duration,
	runner func(ctx context.Context) error,
	stop func(),
) error {
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- runner(runCtx)
	}()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-runDone:
		return err
	case sig := <-sigChan:
		logger.Info("received signal, stopping after current step", "signal", sig)
		stop()
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-runDone:
		logger.Info("shutdown complete")
		return err
	case sig := <-sigChan:
		logger.Warn("received second signal, aborting", "signal", sig)
	case <-deadline:
		logger.Warn("shutdown timeout exceeded, aborting", "timeout", timeout)
	}

	runCancel()
	err := <-runDone
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
