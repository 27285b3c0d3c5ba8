// Package dist provides the worker-group runtime the training loop uses to
// keep parallel workers in lockstep: rank queries, broadcast from the
// primary worker, and all-gather.
package dist

import (
	"context"
	"fmt"
	"sync"
)

// Group is the view a single worker has of its cooperating peers.
// Broadcast and AllGather are whole-group barriers: every worker must call
// them the same number of times in the same order.
type Group interface {
	Rank() int
	NumWorkers() int
	IsPrimary() bool
	IsDistributed() bool
	// Broadcast returns the primary worker's value to every worker.
	Broadcast(ctx context.Context, v any) (any, error)
	// AllGather returns every worker's value, indexed by rank.
	AllGather(ctx context.Context, v any) ([]any, error)
}

// Single is the group of one. Collective calls return immediately.
type Single struct{}

// Rank returns 0.
func (Single) Rank() int { return 0 }

// NumWorkers returns 1.
func (Single) NumWorkers() int { return 1 }

// IsPrimary returns true.
func (Single) IsPrimary() bool { return true }

// IsDistributed returns false.
func (Single) IsDistributed() bool { return false }

// Broadcast returns v.
func (Single) Broadcast(_ context.Context, v any) (any, error) { return v, nil }

// AllGather returns a one-element slice holding v.
func (Single) AllGather(_ context.Context, v any) ([]any, error) { return []any{v}, nil }

// round is one collective exchange. vals is written under LocalGroup.mu and
// only read after done is closed.
type round struct {
	vals    []any
	arrived int
	done    chan struct{}
}

// LocalGroup joins n in-process workers. Each worker obtains its handle
// with Worker(rank).
type LocalGroup struct {
	n int

	mu      sync.Mutex
	current *round
}

// NewLocalGroup creates a group of n workers.
func NewLocalGroup(n int) (*LocalGroup, error) {
	if n < 1 {
		return nil, fmt.Errorf("worker group needs at least one worker, got %d", n)
	}
	return &LocalGroup{n: n}, nil
}

// Size returns the number of workers.
func (g *LocalGroup) Size() int { return g.n }

// Worker returns the handle for rank.
func (g *LocalGroup) Worker(rank int) Group {
	if rank < 0 || rank >= g.n {
		panic(fmt.Sprintf("dist: rank %d out of range [0,%d)", rank, g.n))
	}
	return &localWorker{group: g, rank: rank}
}

func (g *LocalGroup) exchange(ctx context.Context, rank int, v any) ([]any, error) {
	g.mu.Lock()
	r := g.current
	if r == nil {
		r = &round{vals: make([]any, g.n), done: make(chan struct{})}
		g.current = r
	}
	r.vals[rank] = v
	r.arrived++
	if r.arrived == g.n {
		g.current = nil
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		out := make([]any, len(r.vals))
		copy(out, r.vals)
		return out, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("worker %d waiting for peers: %w", rank, ctx.Err())
	}
}

type localWorker struct {
	group *LocalGroup
	rank  int
}

func (w *localWorker) Rank() int           { return w.rank }
func (w *localWorker) NumWorkers() int     { return w.group.n }
func (w *localWorker) IsPrimary() bool     { return w.rank == 0 }
func (w *localWorker) IsDistributed() bool { return w.group.n > 1 }

func (w *localWorker) Broadcast(ctx context.Context, v any) (any, error) {
	vals, err := w.group.exchange(ctx, w.rank, v)
	if err != nil {
		return nil, err
	}
	return vals[0], nil
}

func (w *localWorker) AllGather(ctx context.Context, v any) ([]any, error) {
	return w.group.exchange(ctx, w.rank, v)
}

// ShardSize splits total examples across n workers. The remainder goes to
// the lowest ranks first, so 10 examples over 4 workers gives 3,3,2,2.
// A non-positive total means unbounded and is returned unchanged.
func ShardSize(total, n, rank int) int {
	if total <= 0 || n <= 1 {
		return total
	}
	size := total / n
	if rank < total%n {
		size++
	}
	return size
}
