// Package daemon exposes a running trainer for external control over a
// Unix socket, and holds the files that let other commands find it: the
// run lock and the run info record.
package daemon

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/npratt/trainloop/internal/trainloop"
)

// Controller is the part of the training loop the daemon drives.
type Controller interface {
	Stats() trainloop.Stats
	Pause()
	Resume()
	Stop()
}

var _ Controller = (*trainloop.Loop)(nil)

// DropCounter reports events lost to slow subscribers. *events.Router
// satisfies it.
type DropCounter interface {
	Dropped() int64
	DroppedBy() map[string]int64
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the daemon's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDropCounter makes status include the event router's drop counts.
func WithDropCounter(dc DropCounter) Option {
	return func(d *Daemon) { d.drops = dc }
}

// Daemon serves status and control requests for one training run.
type Daemon struct {
	sockPath string
	ctrl     Controller
	drops    DropCounter
	logger   *slog.Logger

	mu        sync.Mutex
	listener  net.Listener
	closed    chan struct{}
	startedAt time.Time
}

// New creates a daemon for ctrl that will listen on sockPath.
func New(sockPath string, ctrl Controller, opts ...Option) *Daemon {
	d := &Daemon{
		sockPath: sockPath,
		ctrl:     ctrl,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SocketPath returns the Unix socket path.
func (d *Daemon) SocketPath() string {
	return d.sockPath
}

// Listening reports whether the socket is open.
func (d *Daemon) Listening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listener != nil
}

// StartedAt returns when Serve opened the socket, or the zero time.
func (d *Daemon) StartedAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startedAt
}
