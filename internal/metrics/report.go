package metrics

import (
	"sort"
	"strings"
)

// Well-known report keys.
const (
	// KeyExamples is the number of examples a report covers.
	KeyExamples = "exs"
	// KeyAccuracy is the canonical accuracy-like metric.
	KeyAccuracy = "accuracy"
	// KeyTrainTime tags validation snapshots with cumulative train seconds.
	KeyTrainTime = "train_time"
)

// Report is a key-value summary produced by a training step or evaluation pass.
type Report map[string]Metric

// Clone returns a shallow copy of the report.
func (r Report) Clone() Report {
	out := make(Report, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Value returns the scalar value of key and whether it was present and numeric.
func (r Report) Value(key string) (float64, bool) {
	m, ok := r[key]
	if !ok || !m.IsNumeric() {
		return 0, false
	}
	return m.Value(), true
}

// Examples returns the report's example count, or 0 when absent.
func (r Report) Examples() float64 {
	v, _ := r.Value(KeyExamples)
	return v
}

// ValuesOnly strips metric structure, leaving float64 values for numeric
// metrics and strings for text metrics. The result is JSON friendly.
func (r Report) ValuesOnly() map[string]any {
	out := make(map[string]any, len(r))
	for k, m := range r {
		if m.IsNumeric() {
			out[k] = m.Value()
		} else {
			out[k] = m.Text
		}
	}
	return out
}

// Keys returns the report keys in display order: exs first, then sorted.
func (r Report) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		if k != KeyExamples {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if _, ok := r[KeyExamples]; ok {
		keys = append([]string{KeyExamples}, keys...)
	}
	return keys
}

// String renders the report as space separated key:value pairs.
func (r Report) String() string {
	var b strings.Builder
	for i, k := range r.Keys() {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(r[k].String())
	}
	return b.String()
}

// FromValues rebuilds a report of scalar and text metrics from a ValuesOnly map,
// e.g. a validation snapshot read back from disk.
func FromValues(values map[string]any) Report {
	out := make(Report, len(values))
	for k, v := range values {
		switch x := v.(type) {
		case float64:
			out[k] = Scalar(x)
		case int:
			out[k] = Scalar(float64(x))
		case string:
			out[k] = Text(x)
		}
	}
	return out
}
