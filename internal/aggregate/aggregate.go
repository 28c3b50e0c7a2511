// Package aggregate rolls enriched records up to the reporting grain.
package aggregate

import (
	"slices"
	"sort"

	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

type group struct {
	key     core.JoinKey
	accs    []*Accumulator
	records int
	filled  int
	periods map[core.Period]bool
}

// monthsCovered counts distinct months; an annual period covers twelve.
func (g *group) monthsCovered() int {
	n := 0
	for p := range g.periods {
		if p.IsAnnual() {
			n += 12
		} else {
			n++
		}
	}
	return n
}

// GroupKey returns the reporting key of a record under cfg.
func GroupKey(cfg config.AggregateConfig, geoID string, period core.Period) core.JoinKey {
	var key core.JoinKey
	for _, g := range cfg.GroupBy {
		switch g {
		case config.GroupGeo:
			key.GeoID = geoID
			if cfg.GeoGrain == config.GrainState && len(geoID) >= 2 {
				key.GeoID = geoID[:2]
			}
		case config.GroupPeriod:
			key.Period = period
			if cfg.PeriodGrain == config.GrainYear {
				key.Period = period.AsYear()
			}
		}
	}
	return key
}

// Aggregate groups records by the configured key and computes one output row per
// group, sorted by key. The result is identical for any permutation of the
// input. Yearly groups with fewer than twelve months of data are marked
// partial.
func Aggregate(records []core.EnrichedRecord, cfg config.AggregateConfig) []core.AggregatedRecord {
	groups := make(map[core.JoinKey]*group)
	for _, rec := range records {
		key := GroupKey(cfg, rec.GeoID, rec.Period)
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, accs: make([]*Accumulator, len(cfg.Metrics)), periods: make(map[core.Period]bool)}
			for i, m := range cfg.Metrics {
				g.accs[i] = NewAccumulator(m.Func)
			}
			groups[key] = g
		}
		g.records++
		g.periods[rec.Period] = true
		if rec.FillPolicyApplied {
			g.filled++
		}
		for i, m := range cfg.Metrics {
			v, _ := rec.Value(m.SourceMetric())
			var w *float64
			if m.Weight != "" {
				w, _ = rec.Value(m.Weight)
			}
			g.accs[i].Add(v, w)
		}
	}

	yearly := cfg.PeriodGrain == config.GrainYear && slices.Contains(cfg.GroupBy, config.GroupPeriod)
	out := make([]core.AggregatedRecord, 0, len(groups))
	for _, g := range groups {
		metrics := make(core.Metrics, len(cfg.Metrics))
		for i, m := range cfg.Metrics {
			metrics[m.Name] = g.accs[i].Result()
		}
		covered := g.monthsCovered()
		out = append(out, core.AggregatedRecord{
			GeoID:         g.key.GeoID,
			Period:        g.key.Period,
			Metrics:       metrics,
			RecordCount:   g.records,
			FilledCount:   g.filled,
			MonthsCovered: covered,
			Partial:       yearly && covered < 12,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return core.JoinKey{GeoID: out[i].GeoID, Period: out[i].Period}.Less(
			core.JoinKey{GeoID: out[j].GeoID, Period: out[j].Period})
	})
	return out
}
