package metrics

import "sort"

// AggregateNamed combines reports keyed by task name. A single report is
// returned unchanged. With several tasks every metric appears twice: once
// prefixed with "<task>/" and once merged across tasks under its bare name.
// Tasks are visited in sorted order so the result does not depend on map
// iteration.
func AggregateNamed(named map[string]Report) Report {
	if len(named) == 0 {
		return Report{}
	}
	if len(named) == 1 {
		for _, r := range named {
			return r.Clone()
		}
	}

	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)

	out := Report{}
	for _, name := range names {
		r := named[name]
		for k, m := range r {
			out[name+"/"+k] = m
		}
		mergeInto(out, r)
	}
	return out
}

// AggregateUnnamed combines same-named reports, one per worker, into one
// cluster-wide report. Reports are merged in the order given.
func AggregateUnnamed(reports []Report) Report {
	switch len(reports) {
	case 0:
		return Report{}
	case 1:
		return reports[0].Clone()
	}

	out := Report{}
	for _, r := range reports {
		mergeInto(out, r)
	}
	return out
}

// mergeInto folds src into dst. Raw scalars count once when src has no
// example count and not at all when it saw zero examples.
func mergeInto(dst, src Report) {
	w, ok := src.Value(KeyExamples)
	if !ok {
		w = 1
	}
	for k, m := range src {
		m = m.weighted(w)
		if prev, ok := dst[k]; ok {
			dst[k] = prev.Combine(m)
		} else {
			dst[k] = m
		}
	}
}
