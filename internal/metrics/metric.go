// Package metrics defines the report type exchanged between the training
// loop and its collaborators, and the rules for merging reports produced by
// several tasks or several workers.
package metrics

import (
	"encoding/json"
	"math"
	"strconv"
)

// Kind tags how a metric combines with another metric of the same name.
type Kind int

// Metric kinds.
const (
	// KindScalar is a bare number with no combination semantics of its own.
	// Aggregation weights it by the report's example count.
	KindScalar Kind = iota
	// KindSum adds: counts, totals.
	KindSum
	// KindAverage keeps numerator and denominator so the ratio can be
	// re-derived exactly after merging.
	KindAverage
	// KindMax keeps the largest value.
	KindMax
	// KindMin keeps the smallest value.
	KindMin
	// KindText keeps the first non-empty string.
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindSum:
		return "sum"
	case KindAverage:
		return "average"
	case KindMax:
		return "max"
	case KindMin:
		return "min"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Metric is a tagged value. Use the constructors rather than building one by hand.
type Metric struct {
	Kind  Kind
	Numer float64
	Denom float64
	Text  string
}

// Scalar wraps a raw number.
func Scalar(v float64) Metric { return Metric{Kind: KindScalar, Numer: v} }

// Sum creates an additive metric.
func Sum(v float64) Metric { return Metric{Kind: KindSum, Numer: v} }

// Average creates a ratio metric from its numerator and denominator.
func Average(numer, denom float64) Metric {
	return Metric{Kind: KindAverage, Numer: numer, Denom: denom}
}

// Max creates a metric that keeps the largest value seen.
func Max(v float64) Metric { return Metric{Kind: KindMax, Numer: v} }

// Min creates a metric that keeps the smallest value seen.
func Min(v float64) Metric { return Metric{Kind: KindMin, Numer: v} }

// Text creates an identity/textual field.
func Text(s string) Metric { return Metric{Kind: KindText, Text: s} }

// IsNumeric reports whether the metric has a scalar value.
func (m Metric) IsNumeric() bool { return m.Kind != KindText }

// Value normalizes the metric to a scalar. Text metrics have value 0.
func (m Metric) Value() float64 {
	switch m.Kind {
	case KindAverage:
		if m.Denom == 0 {
			return 0
		}
		return m.Numer / m.Denom
	case KindText:
		return 0
	default:
		return m.Numer
	}
}

// String renders the value the way it appears in log lines.
func (m Metric) String() string {
	if m.Kind == KindText {
		return m.Text
	}
	v := m.Value()
	if m.Kind == KindSum && v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', 4, 64)
}

// MarshalJSON encodes the scalar value, or the text for text metrics.
func (m Metric) MarshalJSON() ([]byte, error) {
	if m.Kind == KindText {
		return json.Marshal(m.Text)
	}
	return json.Marshal(m.Value())
}

// Combine merges two metrics of the same name. Mismatched kinds are coerced
// to the kind of m.
func (m Metric) Combine(other Metric) Metric {
	if other.Kind != m.Kind {
		other = other.as(m.Kind)
	}
	switch m.Kind {
	case KindText:
		if m.Text != "" {
			return m
		}
		return other
	case KindAverage:
		return Average(m.Numer+other.Numer, m.Denom+other.Denom)
	case KindMax:
		return Max(math.Max(m.Numer, other.Numer))
	case KindMin:
		return Min(math.Min(m.Numer, other.Numer))
	default:
		return Metric{Kind: m.Kind, Numer: m.Numer + other.Numer}
	}
}

// weighted turns a raw scalar into an average weighted by w so that merging
// raw numbers from differently sized reports yields an example-weighted mean.
func (m Metric) weighted(w float64) Metric {
	if m.Kind != KindScalar {
		return m
	}
	w = max(w, 0)
	return Average(m.Numer*w, w)
}

func (m Metric) as(k Kind) Metric {
	switch k {
	case KindText:
		return Text(m.String())
	case KindAverage:
		if m.Kind == KindText {
			return Average(0, 0)
		}
		return Average(m.Value(), 1)
	default:
		return Metric{Kind: k, Numer: m.Value()}
	}
}
