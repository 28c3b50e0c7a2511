package aggregate

import (
	"math"
	"sort"

	"github.com/nth190/liheap-data-engineering/pkg/core"
)

type sample struct {
	v, w float64
}

// Accumulator folds the values of one metric within one group. Values are
// buffered and folded in sorted order, so the result does not depend on the
// order of Add calls. Null values are excluded from every function.
type Accumulator struct {
	fn      core.AggFunc
	samples []sample
}

// NewAccumulator returns an empty accumulator for fn.
func NewAccumulator(fn core.AggFunc) *Accumulator {
	return &Accumulator{fn: fn}
}

// Add records a value. For weighted_mean, w is the weight; pairs with a
// null value or null weight are skipped.
func (a *Accumulator) Add(v, w *float64) {
	if v == nil {
		return
	}
	if a.fn == core.AggWeightedMean {
		if w == nil {
			return
		}
		a.samples = append(a.samples, sample{v: *v, w: *w})
		return
	}
	a.samples = append(a.samples, sample{v: *v, w: 1})
}

// Len returns the number of non-null values added.
func (a *Accumulator) Len() int {
	return len(a.samples)
}

// Result returns the aggregate, or nil when there is nothing to aggregate.
// count always returns a value.
func (a *Accumulator) Result() *float64 {
	if a.fn == core.AggCount {
		return core.Float(float64(len(a.samples)))
	}
	if len(a.samples) == 0 {
		return nil
	}

	sorted := make([]sample, len(a.samples))
	copy(sorted, a.samples)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].v != sorted[j].v {
			return sorted[i].v < sorted[j].v
		}
		return sorted[i].w < sorted[j].w
	})

	switch a.fn {
	case core.AggSum:
		return core.Float(sum(sorted, false))
	case core.AggMean:
		return core.Float(sum(sorted, false) / float64(len(sorted)))
	case core.AggWeightedMean:
		var weights float64
		for _, s := range sorted {
			weights += s.w
		}
		if weights == 0 {
			return nil
		}
		return core.Float(sum(sorted, true) / weights)
	case core.AggMin:
		return core.Float(sorted[0].v)
	case core.AggMax:
		return core.Float(sorted[len(sorted)-1].v)
	default:
		return nil
	}
}

func sum(samples []sample, weighted bool) float64 {
	var total float64
	for _, s := range samples {
		if weighted {
			total += s.v * s.w
		} else {
			total += s.v
		}
	}
	if total == 0 {
		// normalise -0
		return math.Abs(total)
	}
	return total
}
