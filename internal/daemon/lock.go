package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrAlreadyRunning means another trainer holds the run lock.
var ErrAlreadyRunning = errors.New("trainer already running")

// Holder identifies the process holding a run lock.
type Holder struct {
	PID       int       `json:"pid"`
	RunID     string    `json:"run_id"`
	ModelFile string    `json:"model_file,omitempty"`
	Since     time.Time `json:"since"`
}

// RunLock is an exclusive flock on the project's lock file. The file
// records who holds it, so a refused trainer can say which run is in the
// way. The kernel drops the lock if the holder dies.
type RunLock struct {
	path string
	file *os.File
}

// AcquireRunLock takes the lock at path for h without blocking. If
// another process holds it the error wraps ErrAlreadyRunning.
func AcquireRunLock(path string, h Holder) (*RunLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	var f *os.File
	for {
		var err error
		f, err = lockFile(path)
		if err != nil {
			return nil, err
		}
		// A releasing holder may have unlinked the file between our open
		// and our flock; that lock guards nothing, so start over.
		if sameFile(f, path) {
			break
		}
		_ = f.Close()
	}

	if h.PID == 0 {
		h.PID = os.Getpid()
	}
	if h.Since.IsZero() {
		h.Since = time.Now()
	}
	l := &RunLock{path: path, file: f}
	if err := l.record(h); err != nil {
		_ = l.Release()
		return nil, err
	}
	return l, nil
}

func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open run lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if other, rerr := ReadHolder(path); rerr == nil {
			return nil, fmt.Errorf("%w (pid %d, run %s)", ErrAlreadyRunning, other.PID, other.RunID)
		}
		return nil, ErrAlreadyRunning
	}
	return f, nil
}

func sameFile(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, onDisk)
}

func (l *RunLock) record(h Holder) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode lock holder: %w", err)
	}
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate run lock: %w", err)
	}
	if _, err := l.file.WriteAt(append(data, '\n'), 0); err != nil {
		return fmt.Errorf("write run lock: %w", err)
	}
	return l.file.Sync()
}

// Path returns the lock file path.
func (l *RunLock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *RunLock) Release() error {
	if l.file == nil {
		return nil
	}
	// Remove while still locked so a waiting trainer never sees our record.
	err := os.Remove(l.path)
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run lock: %w", err)
	}
	return nil
}

// ReadHolder returns the holder recorded in the lock file at path.
func ReadHolder(path string) (Holder, error) {
	f, err := os.Open(path)
	if err != nil {
		return Holder{}, err
	}
	defer func() { _ = f.Close() }()

	var h Holder
	if err := json.NewDecoder(io.LimitReader(f, 4096)).Decode(&h); err != nil {
		return Holder{}, fmt.Errorf("parse run lock: %w", err)
	}
	return h, nil
}

// ClearStale removes the lock file and socket left by a trainer that
// died without cleaning up, and reports whether it did. Files of a live
// holder are left alone: its flock is still held.
func ClearStale(lockPath, socketPath string) bool {
	f, err := os.OpenFile(lockPath, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	fd := int(f.Fd())
	if err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return false
	}
	defer func() { _ = syscall.Flock(fd, syscall.LOCK_UN) }()

	_ = os.Remove(lockPath)
	if socketPath != "" {
		_ = os.Remove(socketPath)
	}
	return true
}
