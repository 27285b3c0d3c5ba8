package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/npratt/trainloop/internal/config"
)

// StateDir is the per-project directory for the run info, lock and socket.
const StateDir = ".trainloop"

const runInfoName = "daemon.json"

// RunInfo lets other commands find a running trainer from anywhere in
// the project.
type RunInfo struct {
	RunID      string    `json:"run_id"`
	PID        int       `json:"pid"`
	SocketPath string    `json:"socket_path"`
	LockPath   string    `json:"lock_path"`
	LogPath    string    `json:"log_path"`
	ModelFile  string    `json:"model_file,omitempty"`
	StartTime  time.Time `json:"start_time"`
}

// RunInfoPath returns where the run info lives for projectRoot.
func RunInfoPath(projectRoot string) string {
	return filepath.Join(projectRoot, StateDir, runInfoName)
}

// FindProjectRoot returns the nearest directory at or above start that
// contains .git or the state directory. Without a marker it returns
// start itself, made absolute. An empty start means the working directory.
func FindProjectRoot(start string) string {
	abs, err := filepath.Abs(start)
	if err != nil {
		return start
	}
	for dir := abs; ; {
		if hasMarker(dir) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs
		}
		dir = parent
	}
}

func hasMarker(dir string) bool {
	for _, name := range []string{".git", StateDir} {
		if fi, err := os.Stat(filepath.Join(dir, name)); err == nil && fi.IsDir() {
			return true
		}
	}
	return false
}

// ResolvePaths makes the runtime paths absolute against root. Empty
// paths stay empty.
func ResolvePaths(p config.PathsConfig, root string) config.PathsConfig {
	for _, dst := range []*string{&p.Log, &p.Progress, &p.Socket, &p.Lock} {
		if *dst != "" && !filepath.IsAbs(*dst) {
			*dst = filepath.Join(root, *dst)
		}
	}
	return p
}

// LocateRun reads the run info for the project containing start. The
// error wraps ErrNotRunning when there is none.
func LocateRun(start string) (*RunInfo, error) {
	path := RunInfoPath(FindProjectRoot(start))
	info, err := ReadRunInfo(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w (no %s)", ErrNotRunning, path)
	}
	return info, err
}

// WriteRunInfo replaces the run info at path atomically, so readers
// never see a partial file.
func WriteRunInfo(path string, info *RunInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run info: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, runInfoName+".*")
	if err != nil {
		return fmt.Errorf("write run info: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write run info: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write run info: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write run info: %w", err)
	}
	return nil
}

// ReadRunInfo reads the run info at path.
func ReadRunInfo(path string) (*RunInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info RunInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &info, nil
}

// RemoveRunInfo deletes the run info at path if it exists.
func RemoveRunInfo(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run info: %w", err)
	}
	return nil
}
