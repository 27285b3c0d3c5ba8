package toy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/npratt/trainloop/internal/metrics"
	"github.com/npratt/trainloop/internal/task"
)

// params are the learned weights. Shared copies of an agent point at the
// same params.
type params struct {
	mu       sync.RWMutex
	features int
	weights  []float64 // over expand(x)
	bias     float64
	lr       float64
	updates  int64
}

// Perceptron is a linear classifier over the raw features and their
// pairwise products.
type Perceptron struct {
	p       *params
	plateau *plateau

	mu         sync.Mutex
	sinceReset int64
}

var (
	_ task.Agent           = (*Perceptron)(nil)
	_ task.MetricsReceiver = (*Perceptron)(nil)
	_ task.Sharer          = (*Perceptron)(nil)
)

// NewPerceptron creates an untrained perceptron for features inputs.
func NewPerceptron(features int, lr float64) *Perceptron {
	return &Perceptron{
		p: &params{
			features: features,
			weights:  make([]float64, expandedSize(features)),
			lr:       lr,
		},
		plateau: newPlateau(0.5, 2, 1e-4),
	}
}

// Features returns the input width.
func (a *Perceptron) Features() int { return a.p.features }

// LearningRate returns the current step size.
func (a *Perceptron) LearningRate() float64 {
	a.p.mu.RLock()
	defer a.p.mu.RUnlock()
	return a.p.lr
}

// Predict returns the predicted label and the raw score for x.
func (a *Perceptron) Predict(x []float64) (label int, score float64) {
	phi := expand(x)
	a.p.mu.RLock()
	score = a.score(phi)
	a.p.mu.RUnlock()
	return sign(score), score
}

// Learn predicts x and updates the weights when the prediction is wrong.
func (a *Perceptron) Learn(x []float64, y int) (label int, score float64) {
	phi := expand(x)
	a.p.mu.Lock()
	score = a.score(phi)
	if float64(y)*score <= 0 {
		step := a.p.lr * float64(y)
		for i, v := range phi {
			a.p.weights[i] += step * v
		}
		a.p.bias += step
		a.p.updates++
		a.mu.Lock()
		a.sinceReset++
		a.mu.Unlock()
	}
	a.p.mu.Unlock()
	return sign(score), score
}

// score must be called with p.mu held.
func (a *Perceptron) score(phi []float64) float64 {
	s := a.p.bias
	for i, v := range phi {
		s += a.p.weights[i] * v
	}
	return s
}

// Report returns the learning rate and the number of weight updates since
// the last reset.
func (a *Perceptron) Report() metrics.Report {
	a.mu.Lock()
	n := a.sinceReset
	a.mu.Unlock()
	return metrics.Report{
		"lr":      metrics.Scalar(a.LearningRate()),
		"updates": metrics.Sum(float64(n)),
	}
}

// ResetMetrics clears the update counter.
func (a *Perceptron) ResetMetrics() {
	a.mu.Lock()
	a.sinceReset = 0
	a.mu.Unlock()
}

// ReceiveMetrics halves the learning rate when validation accuracy stops
// improving.
func (a *Perceptron) ReceiveMetrics(r metrics.Report) {
	acc, ok := r.Value(metrics.KeyAccuracy)
	if !ok {
		return
	}
	a.p.mu.Lock()
	defer a.p.mu.Unlock()
	a.p.lr = a.plateau.step(acc, a.p.lr)
}

// Share returns a copy that reads the same weights but keeps its own
// counters, for evaluation alongside training.
func (a *Perceptron) Share() task.Agent {
	return &Perceptron{p: a.p, plateau: a.plateau}
}

// Save writes the weights as a protobuf-encoded structpb.Struct.
func (a *Perceptron) Save(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.p.mu.RLock()
	weights := make([]any, len(a.p.weights))
	for i, w := range a.p.weights {
		weights[i] = w
	}
	fields := map[string]any{
		"features":      float64(a.p.features),
		"bias":          a.p.bias,
		"learning_rate": a.p.lr,
		"updates":       float64(a.p.updates),
		"weights":       weights,
	}
	a.p.mu.RUnlock()

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("encode perceptron: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal perceptron: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write perceptron: %w", err)
	}
	return nil
}

// LoadPerceptron reads a snapshot written by Save.
func LoadPerceptron(path string) (*Perceptron, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read perceptron: %w", err)
	}
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal perceptron %s: %w", path, err)
	}

	f := s.GetFields()
	features := int(f["features"].GetNumberValue())
	a := NewPerceptron(features, f["learning_rate"].GetNumberValue())
	a.p.bias = f["bias"].GetNumberValue()
	a.p.updates = int64(f["updates"].GetNumberValue())

	values := f["weights"].GetListValue().GetValues()
	if len(values) != len(a.p.weights) {
		return nil, fmt.Errorf("perceptron %s: %d weights for %d features, want %d",
			path, len(values), features, len(a.p.weights))
	}
	for i, v := range values {
		a.p.weights[i] = v.GetNumberValue()
	}
	return a, nil
}

// expandedSize is the width of expand's output for n features.
func expandedSize(n int) int {
	return n + n*(n-1)/2
}

// expand returns x followed by every pairwise product x[i]*x[j], i < j.
func expand(x []float64) []float64 {
	out := make([]float64, 0, expandedSize(len(x)))
	out = append(out, x...)
	for i := range x {
		for j := i + 1; j < len(x); j++ {
			out = append(out, x[i]*x[j])
		}
	}
	return out
}

// plateau cuts the learning rate by factor after patience validations
// without improvement.
type plateau struct {
	factor    float64
	patience  int
	threshold float64

	best        float64
	bad         int
	initialized bool
}

func newPlateau(factor float64, patience int, threshold float64) *plateau {
	return &plateau{factor: factor, patience: patience, threshold: threshold}
}

func (p *plateau) step(metric, lr float64) float64 {
	if !p.initialized {
		p.best = metric
		p.initialized = true
		return lr
	}
	if metric > p.best+p.threshold {
		p.best = metric
		p.bad = 0
		return lr
	}
	p.bad++
	if p.bad >= p.patience {
		p.bad = 0
		return lr * p.factor
	}
	return lr
}
