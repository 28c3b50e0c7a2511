// Package enrich left-joins primary records with reference datasets on the
// canonical key, filling gaps with configured fill policies.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nth190/liheap-data-engineering/internal/aggregate"
	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/internal/worker"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Reference is one enrichment source with its resolved records.
type Reference struct {
	Config  config.ReferenceConfig
	Records []core.CanonicalRecord
}

// Options configures Enrich.
type Options struct {
	Workers int
	// Policies are tried in order when no exact match exists.
	Policies []core.FillPolicy
	// MaxCarryPeriods bounds carry-forward distance; zero is unbounded.
	MaxCarryPeriods int
	Logger          *slog.Logger
}

// Coverage counts how primary records were matched against one source.
type Coverage struct {
	Source         string `json:"source"`
	Exact          int    `json:"exact"`
	Broadcast      int    `json:"broadcast"`
	CarryForward   int    `json:"carry_forward"`
	StateAggregate int    `json:"state_aggregate"`
	Missing        int    `json:"missing"`
}

func (c *Coverage) add(kind string) {
	switch kind {
	case core.MatchExact:
		c.Exact++
	case core.MatchBroadcast:
		c.Broadcast++
	case core.MatchCarryForward:
		c.CarryForward++
	case core.MatchStateAggregate:
		c.StateAggregate++
	default:
		c.Missing++
	}
}

// Output is the enriched primary dataset with per-source coverage.
type Output struct {
	Records  []core.EnrichedRecord
	Coverage []Coverage
}

// index is a read-only lookup structure over one reference dataset.
type index struct {
	name    string
	cfg     config.ReferenceConfig
	metrics []string
	annual  bool
	byKey   map[core.JoinKey]*core.CanonicalRecord
	// periods lists each geo's periods in ascending order.
	periods map[string][]core.Period
	// byState lists county records per (state, period) in geo order.
	byState map[core.JoinKey][]*core.CanonicalRecord
}

func newIndex(ref Reference) (*index, error) {
	idx := &index{
		cfg:     ref.Config,
		name:    ref.Config.Dataset,
		annual:  len(ref.Records) > 0,
		byKey:   make(map[core.JoinKey]*core.CanonicalRecord, len(ref.Records)),
		periods: make(map[string][]core.Period),
		byState: make(map[core.JoinKey][]*core.CanonicalRecord),
	}
	names := make(map[string]bool)
	for i := range ref.Records {
		rec := &ref.Records[i]
		key := rec.Key()
		if prev, dup := idx.byKey[key]; dup {
			return nil, &core.DuplicateKeyError{
				Dataset: idx.name,
				Key:     key,
				Refs:    []string{prev.Ref(), rec.Ref()},
			}
		}
		idx.byKey[key] = rec
		idx.periods[rec.GeoID] = append(idx.periods[rec.GeoID], rec.Period)
		if len(rec.GeoID) == 5 {
			sk := core.JoinKey{GeoID: rec.GeoID[:2], Period: rec.Period}
			idx.byState[sk] = append(idx.byState[sk], rec)
		}
		if !rec.Period.IsAnnual() {
			idx.annual = false
		}
		for name := range rec.Metrics {
			names[name] = true
		}
	}
	for geo := range idx.periods {
		ps := idx.periods[geo]
		sort.Slice(ps, func(i, j int) bool { return ps[i].Before(ps[j]) })
	}
	for k := range idx.byState {
		recs := idx.byState[k]
		sort.Slice(recs, func(i, j int) bool { return recs[i].GeoID < recs[j].GeoID })
	}

	if len(ref.Config.Metrics) > 0 {
		idx.metrics = ref.Config.Metrics
	} else {
		for name := range names {
			idx.metrics = append(idx.metrics, name)
		}
		sort.Strings(idx.metrics)
	}
	return idx, nil
}

// target returns the reference period matched by a primary period. Annual
// references match monthly primaries by year.
func (x *index) target(p core.Period) core.Period {
	if x.annual {
		return p.AsYear()
	}
	return p
}

// lookup resolves the reference values for one primary record.
func (x *index) lookup(rec core.CanonicalRecord, opts Options) (core.Metrics, core.Match) {
	period := x.target(rec.Period)
	if ref, ok := x.byKey[core.JoinKey{GeoID: rec.GeoID, Period: period}]; ok {
		kind := core.MatchExact
		if ref.Broadcast {
			kind = core.MatchBroadcast
		}
		return x.pick(ref.Metrics), core.Match{Source: x.name, Kind: kind, Period: period}
	}

	for _, policy := range opts.Policies {
		switch policy {
		case core.FillCarryForward:
			if ref, ok := x.carryForward(rec.GeoID, period, opts.MaxCarryPeriods); ok {
				return x.pick(ref.Metrics), core.Match{Source: x.name, Kind: core.MatchCarryForward, Period: ref.Period}
			}
		case core.FillStateAggregate:
			if m, ok := x.stateAggregate(rec.GeoID, period); ok {
				return m, core.Match{Source: x.name, Kind: core.MatchStateAggregate, Period: period}
			}
		}
	}

	missing := make(core.Metrics, len(x.metrics))
	for _, name := range x.metrics {
		missing[name] = nil
	}
	return missing, core.Match{Source: x.name, Kind: core.MatchMissing}
}

func (x *index) pick(m core.Metrics) core.Metrics {
	out := make(core.Metrics, len(x.metrics))
	for _, name := range x.metrics {
		if v := m[name]; v != nil {
			out[name] = core.Float(*v)
		} else {
			out[name] = nil
		}
	}
	return out
}

// carryForward returns the nearest prior reference record of the same geo.
func (x *index) carryForward(geo string, period core.Period, maxPeriods int) (*core.CanonicalRecord, bool) {
	ps := x.periods[geo]
	i := sort.Search(len(ps), func(i int) bool { return !ps[i].Before(period) })
	if i == 0 {
		return nil, false
	}
	prior := ps[i-1]
	if maxPeriods > 0 {
		distance := period.MonthsSince(prior)
		if x.annual {
			distance = period.Year - prior.Year
		}
		if distance > maxPeriods {
			return nil, false
		}
	}
	return x.byKey[core.JoinKey{GeoID: geo, Period: prior}], true
}

// stateAggregate returns the state-grain record of the geo's state for the
// period, or else rolls up the county values of that state. Values never
// cross state lines.
func (x *index) stateAggregate(geo string, period core.Period) (core.Metrics, bool) {
	if len(geo) < 2 {
		return nil, false
	}
	state := core.JoinKey{GeoID: geo[:2], Period: period}
	if ref, ok := x.byKey[state]; ok {
		return x.pick(ref.Metrics), true
	}
	recs := x.byState[state]
	if len(recs) == 0 {
		return nil, false
	}
	out := make(core.Metrics, len(x.metrics))
	for _, name := range x.metrics {
		acc := aggregate.NewAccumulator(x.cfg.RollupFunc(name))
		for _, rec := range recs {
			acc.Add(rec.Metrics[name], nil)
		}
		out[name] = acc.Result()
	}
	return out, true
}

// Enrich joins every primary record with each reference in order. A
// reference with two records for one key fails with a DuplicateKeyError
// naming the source. Primary records keep their order.
func Enrich(ctx context.Context, primary []core.CanonicalRecord, refs []Reference, opts Options) (*Output, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Policies == nil {
		opts.Policies = core.DefaultFillPolicies
	}

	indexes := make([]*index, 0, len(refs))
	seen := make(map[string]string)
	for _, rec := range primary {
		for name := range rec.Metrics {
			seen[name] = "primary"
		}
	}
	for _, ref := range refs {
		idx, err := newIndex(ref)
		if err != nil {
			return nil, err
		}
		for _, name := range idx.metrics {
			if owner, dup := seen[name]; dup {
				return nil, fmt.Errorf("reference %s: metric %q already provided by %s", idx.name, name, owner)
			}
			seen[name] = idx.name
		}
		indexes = append(indexes, idx)
	}

	records, err := worker.Map(ctx, opts.Workers, primary, func(_ context.Context, _ int, rec core.CanonicalRecord) (core.EnrichedRecord, error) {
		out := core.EnrichedRecord{
			CanonicalRecord:   rec,
			Reference:         make(core.Metrics),
			Matches:           make(map[string]core.Match, len(indexes)),
			FillPolicyApplied: rec.Broadcast,
		}
		for _, idx := range indexes {
			values, match := idx.lookup(rec, opts)
			for name, v := range values {
				out.Reference[name] = v
			}
			out.Matches[idx.name] = match
			if match.Filled() {
				out.FillPolicyApplied = true
			}
			if match.Kind == core.MatchMissing {
				out.MissingEnrichment = true
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	coverage := make([]Coverage, len(indexes))
	for i, idx := range indexes {
		coverage[i].Source = idx.name
		for _, rec := range records {
			coverage[i].add(rec.Matches[idx.name].Kind)
		}
		logger.Info("enriched with reference",
			"source", idx.name,
			"exact", coverage[i].Exact,
			"broadcast", coverage[i].Broadcast,
			"carry_forward", coverage[i].CarryForward,
			"state_aggregate", coverage[i].StateAggregate,
			"missing", coverage[i].Missing)
	}

	return &Output{Records: records, Coverage: coverage}, nil
}
