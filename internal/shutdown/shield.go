package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

// ErrInterrupted marks an operation that was cut short by an interrupt and
// may be retried from scratch.
var ErrInterrupted = errors.New("interrupted")

// IsInterrupt reports whether err was caused by an interrupt or a
// cancellation rather than a real failure.
func IsInterrupt(err error) bool {
	return errors.Is(err, ErrInterrupted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, syscall.EINTR)
}

// Shield runs fn until it succeeds or fails with a non-interrupt error.
// While fn runs, SIGINT and SIGTERM are captured instead of killing the
// process, and fn's context ignores cancellation of ctx. Attempts that fail
// with an interrupt are retried immediately. The first signal captured
// during the critical section is returned so the caller can act on it once
// the write is complete.
func Shield(ctx context.Context, fn func(ctx context.Context) error) (os.Signal, error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	shielded := context.WithoutCancel(ctx)

	var caught os.Signal
	for {
		err := fn(shielded)

		select {
		case sig := <-sigCh:
			if caught == nil {
				caught = sig
			}
		default:
		}

		if err == nil || !IsInterrupt(err) {
			return caught, err
		}
	}
}
