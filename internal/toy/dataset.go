// Package toy provides a small synthetic classification task and a
// perceptron agent so trainloop can run end to end without an external
// model.
package toy

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"

	"github.com/npratt/trainloop/internal/task"
)

// Task names.
const (
	TaskParity    = "parity"
	TaskThreshold = "threshold"
)

// Example is one labelled feature vector. Label is +1 or -1.
type Example struct {
	Features []float64
	Label    int
}

// Generate returns n deterministic examples for name and split. Each split
// draws from its own stream so valid and test never repeat train.
//
// parity labels +1 when the signs of the first two features agree; it is
// not linearly separable in the raw features. threshold labels +1 when the
// features sum above zero.
func Generate(name string, split task.Split, n, features int, seed int64) ([]Example, error) {
	if features < 2 {
		return nil, fmt.Errorf("toy task needs at least 2 features, got %d", features)
	}
	label, err := labeler(name)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(uint64(seed), splitStream(name, split)))
	out := make([]Example, n)
	for i := range out {
		x := make([]float64, features)
		for j := range x {
			x[j] = rng.Float64()*2 - 1
		}
		out[i] = Example{Features: x, Label: label(x)}
	}
	return out, nil
}

func labeler(name string) (func([]float64) int, error) {
	switch name {
	case TaskParity:
		return func(x []float64) int { return sign(x[0] * x[1]) }, nil
	case TaskThreshold:
		return func(x []float64) int {
			var s float64
			for _, v := range x {
				s += v
			}
			return sign(s)
		}, nil
	default:
		return nil, fmt.Errorf("unknown toy task %q (want %s or %s)", name, TaskParity, TaskThreshold)
	}
}

// splitStream derives a stream id from the task and split names.
func splitStream(name string, split task.Split) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(name) + "/" + string(split)))
	return h.Sum64()
}

func sign(v float64) int {
	if v > 0 {
		return 1
	}
	return -1
}
