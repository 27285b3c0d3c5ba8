package task

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/npratt/trainloop/internal/metrics"
)

// MockAgent is an Agent for tests. Save writes a small marker file so that
// callers checking for snapshot existence see one.
type MockAgent struct {
	mu sync.Mutex

	SaveError error
	// SaveFunc, when set, replaces the default Save behaviour.
	SaveFunc func(ctx context.Context, path string) error

	SaveCalls         []string
	ReceivedMetrics   []metrics.Report
	ResetMetricsCalls int
	ShareCalls        int

	// Shareable makes Share return a fresh MockAgent.
	Shareable bool
	Receives  bool
}

// NewMockAgent creates a MockAgent that accepts validation metrics.
func NewMockAgent() *MockAgent {
	return &MockAgent{Receives: true}
}

// Save records the call and writes a marker file.
func (a *MockAgent) Save(ctx context.Context, path string) error {
	a.mu.Lock()
	a.SaveCalls = append(a.SaveCalls, path)
	fn := a.SaveFunc
	saveErr := a.SaveError
	a.mu.Unlock()

	if fn != nil {
		return fn(ctx, path)
	}
	if saveErr != nil {
		return saveErr
	}
	return os.WriteFile(path, []byte("mock-agent\n"), 0644)
}

// Report returns an empty report.
func (a *MockAgent) Report() metrics.Report { return metrics.Report{} }

// ResetMetrics counts calls.
func (a *MockAgent) ResetMetrics() {
	a.mu.Lock()
	a.ResetMetricsCalls++
	a.mu.Unlock()
}

// ReceiveMetrics records validation reports when Receives is set.
func (a *MockAgent) ReceiveMetrics(r metrics.Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Receives {
		a.ReceivedMetrics = append(a.ReceivedMetrics, r)
	}
}

// Share returns a new MockAgent when Shareable, otherwise the receiver.
func (a *MockAgent) Share() Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ShareCalls++
	if a.Shareable {
		return &MockAgent{}
	}
	return a
}

// GetSaveCalls returns a copy of the recorded save paths.
func (a *MockAgent) GetSaveCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.SaveCalls))
	copy(out, a.SaveCalls)
	return out
}

// MockWorld is a World over a fixed number of examples. Training worlds
// wrap around at the end of each pass; EpochDone reports whether the
// current pass is exhausted.
type MockWorld struct {
	mu sync.Mutex

	Name     string
	Examples int
	Batch    int

	// OnParley runs after every batch and may override the step result.
	OnParley func(ctx context.Context, w *MockWorld) (Step, error)
	// ReportFunc builds Report; the default reports exs seen since reset.
	ReportFunc func(w *MockWorld) metrics.Report
	DisplayText string

	pos      int
	seen     int
	sinceRst int

	ParleyCalls       int
	ResetCalls        int
	ResetMetricsCalls int
	ShutdownCalls     int
	ReportCalls       int
}

// NewMockWorld creates a world named name with examples per epoch and batch size.
func NewMockWorld(name string, examples, batch int) *MockWorld {
	if batch < 1 {
		batch = 1
	}
	return &MockWorld{Name: name, Examples: examples, Batch: batch}
}

// ID returns the world name.
func (w *MockWorld) ID() string { return w.Name }

// Parley consumes one batch.
func (w *MockWorld) Parley(ctx context.Context) (Step, error) {
	w.mu.Lock()
	if w.pos >= w.Examples {
		w.pos = 0
	}
	n := w.Batch
	if rem := w.Examples - w.pos; n > rem {
		n = rem
	}
	w.pos += n
	w.seen += n
	w.sinceRst += n
	w.ParleyCalls++
	hook := w.OnParley
	w.mu.Unlock()

	if hook != nil {
		return hook(ctx, w)
	}
	return Continue, nil
}

// EpochDone reports whether the current pass is exhausted.
func (w *MockWorld) EpochDone() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos >= w.Examples
}

// Reset rewinds to the start of the data and clears metrics.
func (w *MockWorld) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pos = 0
	w.sinceRst = 0
	w.ResetCalls++
}

// ResetMetrics clears the per-report example count.
func (w *MockWorld) ResetMetrics() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sinceRst = 0
	w.ResetMetricsCalls++
}

// Display returns DisplayText.
func (w *MockWorld) Display() string { return w.DisplayText }

// TotalEpochs returns examples seen divided by examples per epoch.
func (w *MockWorld) TotalEpochs() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Examples == 0 {
		return 0
	}
	return float64(w.seen) / float64(w.Examples)
}

// NumExamples returns Examples.
func (w *MockWorld) NumExamples() int { return w.Examples }

// BatchSize returns Batch.
func (w *MockWorld) BatchSize() int { return w.Batch }

// SinceReset returns the examples consumed since the last Reset or ResetMetrics.
func (w *MockWorld) SinceReset() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sinceRst
}

// Report returns ReportFunc's report, or the example count.
func (w *MockWorld) Report() metrics.Report {
	w.mu.Lock()
	w.ReportCalls++
	fn := w.ReportFunc
	n := w.sinceRst
	w.mu.Unlock()

	if fn != nil {
		return fn(w)
	}
	return metrics.Report{metrics.KeyExamples: metrics.Sum(float64(n))}
}

// Shutdown counts calls.
func (w *MockWorld) Shutdown() {
	w.mu.Lock()
	w.ShutdownCalls++
	w.mu.Unlock()
}

// MockFactory builds worlds and agents through caller supplied functions.
type MockFactory struct {
	mu sync.Mutex

	NewAgentFunc func(ctx context.Context, initPath string) (Agent, error)
	NewWorldFunc func(ctx context.Context, agent Agent, opts WorldOptions) (World, error)

	AgentInitPaths []string
	WorldCalls     []WorldOptions
}

// NewAgent delegates to NewAgentFunc, defaulting to a fresh MockAgent.
func (f *MockFactory) NewAgent(ctx context.Context, initPath string) (Agent, error) {
	f.mu.Lock()
	f.AgentInitPaths = append(f.AgentInitPaths, initPath)
	fn := f.NewAgentFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, initPath)
	}
	return NewMockAgent(), nil
}

// NewWorld delegates to NewWorldFunc.
func (f *MockFactory) NewWorld(ctx context.Context, agent Agent, opts WorldOptions) (World, error) {
	f.mu.Lock()
	f.WorldCalls = append(f.WorldCalls, opts)
	fn := f.NewWorldFunc
	f.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("mock factory: no world for %s/%s", opts.Task, opts.Split)
	}
	return fn(ctx, agent, opts)
}

// GetWorldCalls returns a copy of the recorded world options.
func (f *MockFactory) GetWorldCalls() []WorldOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WorldOptions, len(f.WorldCalls))
	copy(out, f.WorldCalls)
	return out
}
