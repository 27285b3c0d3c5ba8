package config

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg == nil {
		t.Fatal("Default() returned nil")
	}
}

func TestDefaultSchedule(t *testing.T) {
	cfg := Default()

	if cfg.Schedule.LogEvery != 2*time.Second {
		t.Errorf("Schedule.LogEvery = %v, want %v", cfg.Schedule.LogEvery, 2*time.Second)
	}
	if cfg.Schedule.NumEpochs > 0 {
		t.Errorf("Schedule.NumEpochs = %v, want disabled", cfg.Schedule.NumEpochs)
	}
	if cfg.Schedule.MaxTrainTime > 0 {
		t.Errorf("Schedule.MaxTrainTime = %v, want disabled", cfg.Schedule.MaxTrainTime)
	}
	if cfg.Schedule.SaveAfterValid {
		t.Error("Schedule.SaveAfterValid = true, want false")
	}
}

func TestDefaultValidation(t *testing.T) {
	cfg := Default()

	if cfg.Validation.Metric != "accuracy" {
		t.Errorf("Validation.Metric = %q, want %q", cfg.Validation.Metric, "accuracy")
	}
	if cfg.Validation.Patience != 10 {
		t.Errorf("Validation.Patience = %d, want 10", cfg.Validation.Patience)
	}
	if cfg.Validation.Cutoff != 1.0 {
		t.Errorf("Validation.Cutoff = %v, want 1.0", cfg.Validation.Cutoff)
	}
	if cfg.Validation.MaxExamples > 0 {
		t.Errorf("Validation.MaxExamples = %d, want unbounded", cfg.Validation.MaxExamples)
	}
}

func TestDefaultPathsConfig(t *testing.T) {
	cfg := Default()

	paths := []struct {
		name string
		got  string
		want string
	}{
		{"Progress", cfg.Paths.Progress, ".trainloop/progress.json"},
		{"Log", cfg.Paths.Log, ".trainloop/trainloop.log"},
		{"Socket", cfg.Paths.Socket, ".trainloop/trainloop.sock"},
		{"Lock", cfg.Paths.Lock, ".trainloop/run.lock"},
	}

	for _, tc := range paths {
		if tc.got != tc.want {
			t.Errorf("Paths.%s = %q, want %q", tc.name, tc.got, tc.want)
		}
	}
	if cfg.Paths.LogBackups != 5 {
		t.Errorf("Paths.LogBackups = %d, want 5", cfg.Paths.LogBackups)
	}
}

func TestMetricMode(t *testing.T) {
	tests := []struct {
		metric string
		mode   string
		want   string
	}{
		{"accuracy", "", ModeMax},
		{"f1", "", ModeMax},
		{"hits@1", "", ModeMax},
		{"loss", "", ModeMin},
		{"ppl", "", ModeMin},
		{"mean_rank", "", ModeMin},
		{"custom", "", ModeMax},
		{"loss", ModeMax, ModeMax},
		{"accuracy", ModeMin, ModeMin},
	}

	for _, tt := range tests {
		t.Run(tt.metric+"/"+tt.mode, func(t *testing.T) {
			cfg := Default()
			cfg.Validation.Metric = tt.metric
			cfg.Validation.Mode = tt.mode
			if got := cfg.MetricMode(); got != tt.want {
				t.Errorf("MetricMode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTasks(t *testing.T) {
	cfg := Default()
	cfg.Task = "parity, threshold"

	if got := cfg.TrainTasks(); len(got) != 2 || got[0] != "parity" || got[1] != "threshold" {
		t.Errorf("TrainTasks() = %v", got)
	}
	if got := cfg.EvalTasks(); len(got) != 2 {
		t.Errorf("EvalTasks() should fall back to train tasks, got %v", got)
	}

	cfg.EvalTask = "threshold"
	if got := cfg.EvalTasks(); len(got) != 1 || got[0] != "threshold" {
		t.Errorf("EvalTasks() = %v", got)
	}
}

func TestEvalBatch(t *testing.T) {
	cfg := Default()
	cfg.BatchSize = 16
	if cfg.EvalBatch() != 16 {
		t.Errorf("EvalBatch() = %d, want 16", cfg.EvalBatch())
	}
	cfg.EvalBatchSize = 64
	if cfg.EvalBatch() != 64 {
		t.Errorf("EvalBatch() = %d, want 64", cfg.EvalBatch())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		is      error
	}{
		{"model file", func(c *Config) { c.Model.File = "/tmp/m" }, false, nil},
		{"dict file only", func(c *Config) { c.Model.DictFile = "/tmp/d" }, false, nil},
		{"no output path", func(c *Config) {}, true, ErrNoOutputPath},
		{"no task", func(c *Config) { c.Model.File = "m"; c.Task = " , " }, true, nil},
		{"zero batch", func(c *Config) { c.Model.File = "m"; c.BatchSize = 0 }, true, nil},
		{"zero workers", func(c *Config) { c.Model.File = "m"; c.Workers = 0 }, true, nil},
		{"bad mode", func(c *Config) { c.Model.File = "m"; c.Validation.Mode = "up" }, true, nil},
		{"empty metric", func(c *Config) { c.Model.File = "m"; c.Validation.Metric = "" }, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("Validate() error = %v, want %v", err, tt.is)
			}
		})
	}
}

func TestDerivePaths(t *testing.T) {
	cfg := Default()
	cfg.Model.File = "/models/m"
	p := DerivePaths(cfg)

	want := Paths{
		Model:           "/models/m",
		Checkpoint:      "/models/m.checkpoint",
		TrainStats:      "/models/m.trainstats",
		CheckpointStats: "/models/m.checkpoint.trainstats",
		BestValid:       "/models/m.best_valid",
		ValidLog:        "/models/m.valid",
		TestLog:         "/models/m.test",
		Dict:            "/models/m.dict",
	}
	if p != want {
		t.Errorf("DerivePaths() =\n%+v\nwant\n%+v", p, want)
	}
	if !p.HasModel() {
		t.Error("HasModel() = false")
	}
}

func TestDerivePathsDictOnly(t *testing.T) {
	cfg := Default()
	cfg.Model.DictFile = "/data/vocab.dict"
	p := DerivePaths(cfg)

	if p.HasModel() {
		t.Error("HasModel() = true without model file")
	}
	if p.Dict != "/data/vocab.dict" {
		t.Errorf("Dict = %q", p.Dict)
	}
	if p.ValidLog != "" || p.Checkpoint != "" {
		t.Errorf("model paths should be empty: %+v", p)
	}
}

func TestLimits(t *testing.T) {
	s := ScheduleConfig{
		NumEpochs:           2.5,
		MaxTrainTime:        time.Minute,
		LogEvery:            0,
		ValidationEveryTime: -1,
		SaveEvery:           30 * time.Second,
	}
	l := s.Limits()

	if l.MaxEpochs != 2.5 {
		t.Errorf("MaxEpochs = %v", l.MaxEpochs)
	}
	if l.MaxTrainTime != 60 {
		t.Errorf("MaxTrainTime = %v", l.MaxTrainTime)
	}
	if l.SaveEvery != 30 {
		t.Errorf("SaveEvery = %v", l.SaveEvery)
	}
	for name, v := range map[string]float64{
		"LogEvery":              l.LogEvery,
		"ValidationEveryTime":   l.ValidationEveryTime,
		"ValidationEveryEpochs": l.ValidationEveryEpochs,
	} {
		if !math.IsInf(v, 1) {
			t.Errorf("%s = %v, want +Inf", name, v)
		}
	}
}
