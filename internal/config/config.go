// Package config provides configuration types and defaults for trainloop.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoOutputPath is returned when neither a model file nor a dictionary
// file is configured, leaving the run nowhere to write its results.
var ErrNoOutputPath = errors.New("specify either a model file or a dict file")

// Metric directions.
const (
	ModeMax = "max"
	ModeMin = "min"
)

// Config holds all configuration for trainloop.
type Config struct {
	Task          string `yaml:"task" mapstructure:"task"`
	EvalTask      string `yaml:"eval_task" mapstructure:"eval_task"` // Comma separated; defaults to Task
	BatchSize     int    `yaml:"batch_size" mapstructure:"batch_size"`
	EvalBatchSize int    `yaml:"eval_batch_size" mapstructure:"eval_batch_size"` // 0 = BatchSize
	Workers       int    `yaml:"workers" mapstructure:"workers"`

	DisplayExamples    bool `yaml:"display_examples" mapstructure:"display_examples"`
	LoadFromCheckpoint bool `yaml:"load_from_checkpoint" mapstructure:"load_from_checkpoint"`

	Model       ModelConfig       `yaml:"model" mapstructure:"model"`
	Schedule    ScheduleConfig    `yaml:"schedule" mapstructure:"schedule"`
	Validation  ValidationConfig  `yaml:"validation" mapstructure:"validation"`
	Toy         ToyConfig         `yaml:"toy" mapstructure:"toy"`
	Paths       PathsConfig       `yaml:"paths" mapstructure:"paths"`
	LogRotation LogRotationConfig `yaml:"log_rotation" mapstructure:"log_rotation"`
	Shutdown    ShutdownConfig    `yaml:"shutdown" mapstructure:"shutdown"`
}

// ModelConfig names the model snapshot and dictionary locations.
type ModelConfig struct {
	File     string `yaml:"file" mapstructure:"file"`           // Base path P for all model artifacts
	DictFile string `yaml:"dict_file" mapstructure:"dict_file"` // Defaults to <file>.dict
}

// ScheduleConfig holds the run's budgets and intervals.
// Zero or negative values disable the corresponding limit or action.
type ScheduleConfig struct {
	NumEpochs             float64       `yaml:"num_epochs" mapstructure:"num_epochs"`
	MaxTrainTime          time.Duration `yaml:"max_train_time" mapstructure:"max_train_time"`
	LogEvery              time.Duration `yaml:"log_every" mapstructure:"log_every"`
	ValidationEveryTime   time.Duration `yaml:"validation_every_time" mapstructure:"validation_every_time"`
	ValidationEveryEpochs float64       `yaml:"validation_every_epochs" mapstructure:"validation_every_epochs"`
	SaveEvery             time.Duration `yaml:"save_every" mapstructure:"save_every"`
	SaveAfterValid        bool          `yaml:"save_after_valid" mapstructure:"save_after_valid"` // Write P.checkpoint after every validation
}

// ValidationConfig controls how validation results drive early stopping.
type ValidationConfig struct {
	Metric         string  `yaml:"metric" mapstructure:"metric"`
	Mode           string  `yaml:"mode" mapstructure:"mode"`         // "max", "min", or "" for the metric's natural direction
	Patience       int     `yaml:"patience" mapstructure:"patience"` // <= 0 disables
	Cutoff         float64 `yaml:"cutoff" mapstructure:"cutoff"`
	MaxExamples    int     `yaml:"max_examples" mapstructure:"max_examples"` // <= 0 = all
	ShortFinalEval bool    `yaml:"short_final_eval" mapstructure:"short_final_eval"`
	ShareAgent     bool    `yaml:"share_agent" mapstructure:"share_agent"`
}

// ToyConfig configures the built-in demonstration task and agent.
type ToyConfig struct {
	Examples     int           `yaml:"examples" mapstructure:"examples"` // Training examples per epoch
	EvalExamples int           `yaml:"eval_examples" mapstructure:"eval_examples"`
	Features     int           `yaml:"features" mapstructure:"features"`
	LearningRate float64       `yaml:"learning_rate" mapstructure:"learning_rate"`
	Seed         int64         `yaml:"seed" mapstructure:"seed"`
	StepDelay    time.Duration `yaml:"step_delay" mapstructure:"step_delay"` // Artificial per-batch latency
}

// PathsConfig holds the runtime files: event log, progress snapshot,
// control socket and run lock.
type PathsConfig struct {
	Progress   string `yaml:"progress" mapstructure:"progress"`
	Log        string `yaml:"log" mapstructure:"log"`
	LogBackups int    `yaml:"log_backups" mapstructure:"log_backups"` // Previous event logs kept
	Socket     string `yaml:"socket" mapstructure:"socket"`
	Lock       string `yaml:"lock" mapstructure:"lock"`
}

// LogRotationConfig holds settings for log file rotation.
// Used for the TUI debug log (lumberjack-based automatic rotation).
type LogRotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `yaml:"compress" mapstructure:"compress"`
}

// ShutdownConfig controls graceful shutdown on SIGINT/SIGTERM.
type ShutdownConfig struct {
	// Timeout bounds how long final evaluation may run after a stop signal
	// before the run is aborted. 0 waits for a second signal.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Task:      "parity",
		BatchSize: 1,
		Workers:   1,
		Schedule: ScheduleConfig{
			NumEpochs:             -1,
			MaxTrainTime:          -1,
			LogEvery:              2 * time.Second,
			ValidationEveryTime:   -1,
			ValidationEveryEpochs: -1,
			SaveEvery:             -1,
		},
		Validation: ValidationConfig{
			Metric:      "accuracy",
			Patience:    10,
			Cutoff:      1.0,
			MaxExamples: -1,
		},
		Toy: ToyConfig{
			Examples:     1000,
			EvalExamples: 200,
			Features:     8,
			LearningRate: 0.1,
			Seed:         1,
		},
		Paths: PathsConfig{
			Progress:   ".trainloop/progress.json",
			Log:        ".trainloop/trainloop.log",
			LogBackups: 5,
			Socket:     ".trainloop/trainloop.sock",
			Lock:       ".trainloop/run.lock",
		},
		LogRotation: LogRotationConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Shutdown: ShutdownConfig{
			Timeout: 5 * time.Minute,
		},
	}
}

// MetricMode returns the optimization direction for the validation metric.
// An explicit Mode wins; otherwise well-known metrics get their natural
// direction and anything else is maximized.
func (c *Config) MetricMode() string {
	if c.Validation.Mode != "" {
		return c.Validation.Mode
	}
	return DefaultMode(c.Validation.Metric)
}

// DefaultMode returns the natural optimization direction of metric.
func DefaultMode(metric string) string {
	switch metric {
	case "loss", "ppl", "mean_rank":
		return ModeMin
	default:
		return ModeMax
	}
}

// TrainTasks returns the comma separated training tasks.
func (c *Config) TrainTasks() []string {
	return splitTasks(c.Task)
}

// EvalTasks returns the evaluation tasks, falling back to the training tasks.
func (c *Config) EvalTasks() []string {
	if tasks := splitTasks(c.EvalTask); len(tasks) > 0 {
		return tasks
	}
	return c.TrainTasks()
}

// EvalBatch returns the evaluation batch size.
func (c *Config) EvalBatch() int {
	if c.EvalBatchSize > 0 {
		return c.EvalBatchSize
	}
	return c.BatchSize
}

func splitTasks(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate reports configuration errors that must abort the run before any
// training step.
func (c *Config) Validate() error {
	if c.Model.File == "" && c.Model.DictFile == "" {
		return ErrNoOutputPath
	}
	if len(c.TrainTasks()) == 0 {
		return errors.New("no training task configured")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.EvalBatchSize < 0 {
		return fmt.Errorf("eval batch size must not be negative, got %d", c.EvalBatchSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	switch c.Validation.Mode {
	case "", ModeMax, ModeMin:
	default:
		return fmt.Errorf("validation mode must be %q or %q, got %q", ModeMax, ModeMin, c.Validation.Mode)
	}
	if c.Validation.Metric == "" {
		return errors.New("validation metric must not be empty")
	}
	return nil
}
