package toy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/npratt/trainloop/internal/config"
	"github.com/npratt/trainloop/internal/metrics"
	"github.com/npratt/trainloop/internal/task"
)

func testToyConfig() config.ToyConfig {
	return config.ToyConfig{
		Examples:     200,
		EvalExamples: 100,
		Features:     4,
		LearningRate: 0.1,
		Seed:         7,
	}
}

func TestGenerateDeterministic(t *testing.T) {
	a, err := Generate(TaskParity, task.SplitTrain, 20, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Generate(TaskParity, task.SplitTrain, 20, 4, 1)
	for i := range a {
		if a[i].Features[0] != b[i].Features[0] || a[i].Label != b[i].Label {
			t.Fatalf("example %d differs between runs", i)
		}
	}

	valid, _ := Generate(TaskParity, task.SplitValid, 20, 4, 1)
	if valid[0].Features[0] == a[0].Features[0] {
		t.Error("valid split repeats the train stream")
	}
}

func TestGenerateLabels(t *testing.T) {
	exs, err := Generate(TaskThreshold, task.SplitTrain, 50, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, ex := range exs {
		sum := ex.Features[0] + ex.Features[1] + ex.Features[2]
		if (sum > 0) != (ex.Label == 1) {
			t.Fatalf("threshold label %d for sum %v", ex.Label, sum)
		}
	}

	exs, _ = Generate(TaskParity, task.SplitTrain, 50, 3, 2)
	for _, ex := range exs {
		agree := (ex.Features[0] > 0) == (ex.Features[1] > 0)
		if agree != (ex.Label == 1) {
			t.Fatalf("parity label %d for %v", ex.Label, ex.Features[:2])
		}
	}
}

func TestGenerateErrors(t *testing.T) {
	if _, err := Generate("xor3", task.SplitTrain, 1, 4, 1); err == nil {
		t.Error("expected error for unknown task")
	}
	if _, err := Generate(TaskParity, task.SplitTrain, 1, 1, 1); err == nil {
		t.Error("expected error for a single feature")
	}
}

func TestShard(t *testing.T) {
	all := make([]Example, 10)
	for i := range all {
		all[i].Label = i
	}
	sizes := []int{3, 3, 2, 2}
	for rank, want := range sizes {
		got := Shard(all, rank, 4)
		if len(got) != want {
			t.Errorf("rank %d: %d examples, want %d", rank, len(got), want)
		}
		if got[0].Label != rank {
			t.Errorf("rank %d starts at %d", rank, got[0].Label)
		}
	}
	if len(Shard(all, 0, 1)) != 10 {
		t.Error("single worker should keep everything")
	}
}

func TestPerceptronLearnsParity(t *testing.T) {
	f := NewFactory(testToyConfig(), nil)
	ctx := context.Background()
	agent, err := f.NewAgent(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	train, err := f.NewWorld(ctx, agent, task.WorldOptions{Task: TaskParity, Split: task.SplitTrain, BatchSize: 10, NumWorkers: 1})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 400; i++ {
		if _, err := train.Parley(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := train.TotalEpochs(); got != 20 {
		t.Errorf("TotalEpochs = %v, want 20", got)
	}

	valid, err := f.NewWorld(ctx, agent, task.WorldOptions{Task: TaskParity, Split: task.SplitValid, BatchSize: 10, NumWorkers: 1})
	if err != nil {
		t.Fatal(err)
	}
	for !valid.EpochDone() {
		if _, err := valid.Parley(ctx); err != nil {
			t.Fatal(err)
		}
	}
	r := valid.Report()
	if r.Examples() != 100 {
		t.Errorf("exs = %v, want 100", r.Examples())
	}
	if acc, _ := r.Value(metrics.KeyAccuracy); acc < 0.8 {
		t.Errorf("accuracy = %v, want >= 0.8 after training", acc)
	}
	if valid.Display() == "" {
		t.Error("Display empty after parley")
	}

	valid.Reset()
	if valid.EpochDone() || valid.Report().Examples() != 0 {
		t.Error("Reset did not rewind")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := testToyConfig()
	f := NewFactory(cfg, nil)
	ctx := context.Background()

	a := NewPerceptron(cfg.Features, cfg.LearningRate)
	a.Learn([]float64{1, -1, 0.5, 0.2}, 1)
	a.Learn([]float64{-1, -1, 0.5, 0.2}, -1)

	path := filepath.Join(t.TempDir(), "model")
	if err := a.Save(ctx, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := f.NewAgent(ctx, path)
	if err != nil {
		t.Fatalf("NewAgent(%s) failed: %v", path, err)
	}
	b := loaded.(*Perceptron)
	x := []float64{0.3, -0.7, 0.1, 0.9}
	_, sa := a.Predict(x)
	_, sb := b.Predict(x)
	if sa != sb {
		t.Errorf("scores differ after round trip: %v vs %v", sa, sb)
	}
	if b.p.updates != a.p.updates {
		t.Errorf("updates = %d, want %d", b.p.updates, a.p.updates)
	}
}

func TestLoadFeatureMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model")
	if err := NewPerceptron(3, 0.1).Save(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFactory(testToyConfig(), nil).NewAgent(context.Background(), path); err == nil {
		t.Error("expected error for feature mismatch")
	}
}

func TestSaveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewPerceptron(2, 0.1).Save(ctx, filepath.Join(t.TempDir(), "m")); err == nil {
		t.Error("expected error from cancelled save")
	}
}

func TestShareUsesSameWeights(t *testing.T) {
	a := NewPerceptron(2, 1)
	shared := a.Share().(*Perceptron)
	a.Learn([]float64{1, 1}, 1)
	x := []float64{0.5, 0.5}
	_, s1 := a.Predict(x)
	_, s2 := shared.Predict(x)
	if s1 == 0 || s1 != s2 {
		t.Errorf("shared score %v, original %v", s2, s1)
	}
	if shared.Report()["updates"].Value() != 0 {
		t.Error("shared copy should keep its own counters")
	}
}

func TestReceiveMetricsCutsLearningRate(t *testing.T) {
	a := NewPerceptron(2, 1)
	for _, acc := range []float64{0.5, 0.5, 0.5} {
		a.ReceiveMetrics(metrics.Report{metrics.KeyAccuracy: metrics.Scalar(acc)})
	}
	if got := a.LearningRate(); got != 0.5 {
		t.Errorf("lr = %v, want 0.5 after two flat validations", got)
	}
	a.ReceiveMetrics(metrics.Report{"loss": metrics.Scalar(1)})
	if got := a.LearningRate(); got != 0.5 {
		t.Errorf("lr changed on a report without accuracy: %v", got)
	}
}

func TestNewWorldErrors(t *testing.T) {
	f := NewFactory(testToyConfig(), nil)
	ctx := context.Background()
	agent, _ := f.NewAgent(ctx, "")

	if _, err := f.NewWorld(ctx, &task.MockAgent{}, task.WorldOptions{Task: TaskParity, Split: task.SplitTrain}); err == nil {
		t.Error("expected error for a foreign agent")
	}
	if _, err := f.NewWorld(ctx, agent, task.WorldOptions{Task: "nope", Split: task.SplitTrain}); err == nil {
		t.Error("expected error for unknown task")
	}

	multi, err := f.NewWorld(ctx, agent, task.WorldOptions{Task: "parity,threshold", Split: task.SplitValid, BatchSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	if multi.NumExamples() != 200 {
		t.Errorf("multitask examples = %d, want 200", multi.NumExamples())
	}
}
