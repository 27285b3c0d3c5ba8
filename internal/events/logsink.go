package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// Sink consumes events from the router.
type Sink interface {
	Start(ctx context.Context, events <-chan Event) error
	Stop() error
}

// DefaultLogBackups is how many previous event logs are kept.
const DefaultLogBackups = 5

const backupStamp = "2006-01-02T15-04-05"

// LogSink appends every event to a JSON lines file. Writes are buffered
// and flushed whenever the subscription runs dry, so a reader tailing the
// file lags by at most one burst.
//
// Each run starts a fresh file. The previous non-empty log is renamed to
// <path>.<stamp>.bak and only the newest backups are kept.
type LogSink struct {
	path    string
	backups int
	logger  *slog.Logger

	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
	err  error
	done chan struct{}
}

// LogSinkOption configures a LogSink.
type LogSinkOption func(*LogSink)

// WithBackups sets how many rotated logs to keep. Zero keeps none.
func WithBackups(n int) LogSinkOption {
	return func(s *LogSink) { s.backups = max(0, n) }
}

// NewLogSink creates a LogSink writing to path.
func NewLogSink(path string, logger *slog.Logger, opts ...LogSinkOption) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LogSink{
		path:    path,
		backups: DefaultLogBackups,
		logger:  logger,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the log file path.
func (s *LogSink) Path() string { return s.path }

// Start rotates the old log, opens a new one, and consumes events until
// ctx is done or events closes.
func (s *LogSink) Start(ctx context.Context, events <-chan Event) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	if err := s.rotate(); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	s.enc = json.NewEncoder(s.w)

	go s.run(ctx, events)
	return nil
}

func (s *LogSink) run(ctx context.Context, events <-chan Event) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.enc.Encode(ev); err != nil {
				s.logger.Warn("failed to write event", "type", ev.Type(), "error", err)
			}
			if len(events) == 0 {
				s.flush()
			}
		}
	}
}

func (s *LogSink) flush() {
	if err := s.w.Flush(); err != nil && s.err == nil {
		s.err = err
		s.logger.Warn("failed to flush event log", "path", s.path, "error", err)
	}
}

// Stop waits for the sink to drain, then flushes and closes the file. It
// must only be called after a successful Start.
func (s *LogSink) Stop() error {
	<-s.done
	if s.f == nil {
		return nil
	}
	s.flush()
	err := s.f.Close()
	s.f = nil
	if s.err != nil {
		return s.err
	}
	return err
}

// rotate moves a non-empty log aside and prunes old backups.
func (s *LogSink) rotate() error {
	info, err := os.Stat(s.path)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return fmt.Errorf("stat event log: %w", err)
	case info.Size() == 0:
		return nil
	}

	if s.backups > 0 {
		bak := fmt.Sprintf("%s.%s.bak", s.path, time.Now().Format(backupStamp))
		if err := os.Rename(s.path, bak); err != nil {
			return fmt.Errorf("rotate event log: %w", err)
		}
	}
	s.prune()
	return nil
}

// prune removes all but the newest s.backups backups. The stamp sorts
// lexically, so name order is age order.
func (s *LogSink) prune() {
	old, err := filepath.Glob(s.path + ".*.bak")
	if err != nil || len(old) <= s.backups {
		return
	}
	slices.Sort(old)
	for _, p := range old[:len(old)-s.backups] {
		if err := os.Remove(p); err != nil {
			s.logger.Warn("failed to remove old event log", "path", p, "error", err)
		}
	}
}

// ReadLog parses every event in a JSON lines log. Unknown event types and
// malformed lines are skipped.
func ReadLog(r io.Reader) ([]Event, error) {
	var out []Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if ev, err := ParseEvent(sc.Bytes()); err == nil && ev != nil {
			out = append(out, ev)
		}
	}
	return out, sc.Err()
}
