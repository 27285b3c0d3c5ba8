// Package checkpoint persists training progress next to the model snapshot
// so an interrupted run can resume where it left off.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/npratt/trainloop/internal/config"
	"github.com/npratt/trainloop/internal/shutdown"
)

// Slot selects which snapshot a save or load addresses.
type Slot int

const (
	// Best is the model at P with stats at P.trainstats.
	Best Slot = iota
	// Checkpoint is the mid-run snapshot at P.checkpoint with stats at
	// P.checkpoint.trainstats.
	Checkpoint
)

func (s Slot) String() string {
	if s == Checkpoint {
		return "checkpoint"
	}
	return "best"
}

// Stats is the training progress stored beside a snapshot.
type Stats struct {
	TrainTime    float64          `json:"train_time"` // seconds
	TotalEpochs  float64          `json:"total_epochs"`
	Impatience   int              `json:"impatience"`
	ValidReports []map[string]any `json:"valid_reports"`
}

// Elapsed returns TrainTime as a duration.
func (s Stats) Elapsed() time.Duration {
	return time.Duration(s.TrainTime * float64(time.Second))
}

// Saver writes a model snapshot. task.Agent satisfies it.
type Saver interface {
	Save(ctx context.Context, path string) error
}

// Store reads and writes the checkpoint files of one model.
type Store struct {
	paths       config.Paths
	logger      *slog.Logger
	onInterrupt func(os.Signal)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInterruptHandler sets a callback for signals that arrived while a save
// was in progress. It runs after the save completes.
func WithInterruptHandler(fn func(os.Signal)) Option {
	return func(s *Store) {
		s.onInterrupt = fn
	}
}

// NewStore creates a Store over paths. With no model path every save is
// a no-op and every load finds nothing.
func NewStore(paths config.Paths, opts ...Option) *Store {
	s := &Store{
		paths:  paths,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ModelPath returns the snapshot path for slot.
func (s *Store) ModelPath(slot Slot) string {
	if slot == Checkpoint {
		return s.paths.Checkpoint
	}
	return s.paths.Model
}

// StatsPath returns the training stats path for slot.
func (s *Store) StatsPath(slot Slot) string {
	if slot == Checkpoint {
		return s.paths.CheckpointStats
	}
	return s.paths.TrainStats
}

// HasCheckpoint reports whether a mid-run checkpoint snapshot exists.
func (s *Store) HasCheckpoint() bool {
	if !s.paths.HasModel() {
		return false
	}
	_, err := os.Stat(s.paths.Checkpoint)
	return err == nil
}

// Load reads the stats for slot. A missing file is a fresh run and
// returns zero stats with found=false. A corrupt file is moved aside to
// .backup and also treated as a fresh run.
func (s *Store) Load(slot Slot) (stats Stats, found bool, err error) {
	path := s.StatsPath(slot)
	if path == "" {
		return Stats{ValidReports: []map[string]any{}}, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Stats{ValidReports: []map[string]any{}}, false, nil
		}
		return Stats{}, false, fmt.Errorf("read train stats: %w", err)
	}

	if err := json.Unmarshal(data, &stats); err != nil {
		backupPath := path + ".backup"
		if backupErr := os.Rename(path, backupPath); backupErr != nil {
			s.logger.Warn("train stats corrupted, failed to backup",
				"path", path,
				"error", err,
				"backup_error", backupErr)
		} else {
			s.logger.Warn("train stats corrupted, backed up and starting fresh",
				"path", path,
				"backup", backupPath,
				"error", err)
		}
		return Stats{ValidReports: []map[string]any{}}, false, nil
	}

	if stats.ValidReports == nil {
		stats.ValidReports = []map[string]any{}
	}
	return stats, true, nil
}

// Save writes the model snapshot and its training stats for slot. The
// write is shielded: interrupts and cancellations during it are absorbed
// and the attempt repeated until it completes or fails for another reason.
func (s *Store) Save(ctx context.Context, model Saver, slot Slot, stats Stats) error {
	if !s.paths.HasModel() {
		return nil
	}
	modelPath := s.ModelPath(slot)
	if err := os.MkdirAll(filepath.Dir(modelPath), 0755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}

	sig, err := shutdown.Shield(ctx, func(ctx context.Context) error {
		if err := model.Save(ctx, modelPath); err != nil {
			return fmt.Errorf("save model: %w", err)
		}
		return s.writeStats(slot, stats)
	})
	if sig != nil {
		s.logger.Info("signal received during checkpoint write", "signal", sig, "path", modelPath)
		if s.onInterrupt != nil {
			s.onInterrupt(sig)
		}
	}
	return err
}

func (s *Store) writeStats(slot Slot, stats Stats) error {
	if stats.ValidReports == nil {
		stats.ValidReports = []map[string]any{}
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal train stats: %w", err)
	}
	if err := writeFileAtomic(s.StatsPath(slot), data); err != nil {
		return fmt.Errorf("write train stats: %w", err)
	}
	return nil
}

// SaveBestValid writes the best validation value as plain text.
func (s *Store) SaveBestValid(v float64) error {
	if !s.paths.HasModel() {
		return nil
	}
	data := []byte(strconv.FormatFloat(v, 'g', -1, 64))
	if err := writeFileAtomic(s.paths.BestValid, data); err != nil {
		return fmt.Errorf("write best valid: %w", err)
	}
	return nil
}

// LoadBestValid reads the best validation sentinel. found is false when the
// file does not exist.
func (s *Store) LoadBestValid() (v float64, found bool, err error) {
	if !s.paths.HasModel() {
		return 0, false, nil
	}
	data, err := os.ReadFile(s.paths.BestValid)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read best valid: %w", err)
	}
	line := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	v, err = strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse best valid %q: %w", line, err)
	}
	return v, true, nil
}

// writeFileAtomic writes data to a temp file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
