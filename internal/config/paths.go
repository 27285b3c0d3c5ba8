package config

import (
	"math"
	"time"
)

// Paths are the model artifact locations derived from the model base path.
// They are computed once per run so callers never re-derive suffixes.
type Paths struct {
	Model           string // P
	Checkpoint      string // P.checkpoint
	TrainStats      string // P.trainstats
	CheckpointStats string // P.checkpoint.trainstats
	BestValid       string // P.best_valid
	ValidLog        string // P.valid
	TestLog         string // P.test
	Dict            string
}

// HasModel reports whether model artifacts are written at all.
func (p Paths) HasModel() bool { return p.Model != "" }

// DerivePaths computes the artifact paths for cfg. Without a model file
// only the dictionary path is set.
func DerivePaths(cfg *Config) Paths {
	base := cfg.Model.File
	p := Paths{Dict: cfg.Model.DictFile}
	if p.Dict == "" && base != "" {
		p.Dict = base + ".dict"
	}
	if base == "" {
		return p
	}
	p.Model = base
	p.Checkpoint = base + ".checkpoint"
	p.TrainStats = base + ".trainstats"
	p.CheckpointStats = base + ".checkpoint.trainstats"
	p.BestValid = base + ".best_valid"
	p.ValidLog = base + ".valid"
	p.TestLog = base + ".test"
	return p
}

// Limits is the schedule with disabled entries normalized to infinity, so
// comparisons against them never fire.
type Limits struct {
	MaxEpochs             float64
	MaxTrainTime          float64 // seconds
	LogEvery              float64
	ValidationEveryTime   float64
	ValidationEveryEpochs float64
	SaveEvery             float64
}

// Limits returns the normalized schedule.
func (s ScheduleConfig) Limits() Limits {
	return Limits{
		MaxEpochs:             orInf(s.NumEpochs),
		MaxTrainTime:          secondsOrInf(s.MaxTrainTime),
		LogEvery:              secondsOrInf(s.LogEvery),
		ValidationEveryTime:   secondsOrInf(s.ValidationEveryTime),
		ValidationEveryEpochs: orInf(s.ValidationEveryEpochs),
		SaveEvery:             secondsOrInf(s.SaveEvery),
	}
}

func orInf(v float64) float64 {
	if v > 0 {
		return v
	}
	return math.Inf(1)
}

func secondsOrInf(d time.Duration) float64 {
	if d > 0 {
		return d.Seconds()
	}
	return math.Inf(1)
}
