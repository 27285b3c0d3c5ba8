package toy_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/npratt/trainloop/internal/config"
	"github.com/npratt/trainloop/internal/metrics"
	"github.com/npratt/trainloop/internal/toy"
	"github.com/npratt/trainloop/internal/trainloop"
)

func TestTrainThresholdEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Task = toy.TaskThreshold
	cfg.BatchSize = 8
	cfg.Model.File = filepath.Join(t.TempDir(), "model")
	cfg.Schedule.LogEvery = -1
	cfg.Schedule.NumEpochs = 4
	cfg.Schedule.ValidationEveryEpochs = 1
	cfg.Validation.ShareAgent = true
	cfg.Toy.Examples = 200
	cfg.Toy.EvalExamples = 100
	cfg.Toy.Features = 4

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	factory := toy.NewFactory(cfg.Toy, nil)
	l, err := trainloop.New(ctx, cfg, factory)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := l.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Best == nil {
		t.Fatal("no best validation value")
	}
	if acc, _ := res.Test.Value(metrics.KeyAccuracy); acc < 0.7 {
		t.Errorf("test accuracy = %v, want >= 0.7", acc)
	}
	if res.Test.Examples() != 100 {
		t.Errorf("test exs = %v, want 100", res.Test.Examples())
	}

	// The best snapshot must load back through the factory.
	if _, err := factory.NewAgent(ctx, cfg.Model.File); err != nil {
		t.Errorf("reload best model: %v", err)
	}
}
