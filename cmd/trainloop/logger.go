package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/npratt/trainloop/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// debugLogName is the rotating log used when stderr is unavailable.
const debugLogName = "trainloop-debug.log"

// debugLog is a logger backed by a rotating file in the state directory.
// The dashboard and the detached trainer log here because stderr is
// either owned by the terminal UI or gone.
type debugLog struct {
	*slog.Logger
	path string
	w    *lumberjack.Logger
}

func (d *debugLog) Close() error { return d.w.Close() }

// openDebugLog creates dir if needed and returns a JSON logger appending
// to dir/trainloop-debug.log.
func openDebugLog(dir string, level slog.Leveler, rot config.LogRotationConfig) (*debugLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	path := filepath.Join(dir, debugLogName)
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
	}
	return &debugLog{Logger: NewJSONLogger(w, level), path: path, w: w}, nil
}

// NewJSONLogger creates a JSON logger on w.
func NewJSONLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
