package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// detachedEnv marks the re-executed background trainer.
const detachedEnv = "TRAINLOOP_DETACHED"

const (
	// readyTimeout is how long Detach waits for the child's socket.
	readyTimeout = 2 * time.Second
	readyPoll    = 50 * time.Millisecond
)

// ErrNotReady means the detached trainer started but its socket did not
// come up in time. The child may still be loading.
var ErrNotReady = errors.New("control socket not ready")

// IsDetached reports whether this process is the background trainer.
func IsDetached() bool {
	return os.Getenv(detachedEnv) == "1"
}

// Detach re-executes the current command in a new session with stdio
// closed and waits for its control socket. It returns the child's pid;
// the caller should exit. ErrNotReady is returned with a valid pid.
func Detach(ctx context.Context, socketPath string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), detachedEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start background trainer: %w", err)
	}
	pid := cmd.Process.Pid
	// Nobody waits on the child; release it so it is not left a zombie
	// while we poll.
	_ = cmd.Process.Release()

	return pid, waitReady(ctx, NewClient(socketPath), readyTimeout)
}

// waitReady polls until c's socket accepts connections.
func waitReady(ctx context.Context, c *Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(readyPoll)
	defer tick.Stop()
	for {
		if c.Ping(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrNotReady
		case <-tick.C:
		}
	}
}
