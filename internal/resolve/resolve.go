// Package resolve assigns the canonical (geography, period) key to normalized
// records and enforces one record per key and dataset.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nth190/liheap-data-engineering/internal/aggregate"
	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/internal/worker"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Options configures a Resolver.
type Options struct {
	Workers int
	Logger  *slog.Logger
}

// Output is the result of resolving one dataset.
type Output struct {
	core.Result[core.CanonicalRecord]
	// Dropped holds rows removed as exact duplicates of an earlier row.
	Dropped []core.Rejection
	// Consolidated counts keys folded from more than one record.
	Consolidated int
	// Shadowed counts broadcast records replaced by an exact record.
	Shadowed int
}

// Resolver resolves the records of one dataset against a crosswalk.
type Resolver struct {
	ds         *config.DatasetConfig
	cw         *Crosswalk
	start, end core.Period
	workers    int
	logger     *slog.Logger
}

// New returns a Resolver for the dataset.
func New(ds *config.DatasetConfig, cw *Crosswalk, opts Options) (*Resolver, error) {
	start, end, err := ds.Period.Window()
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", ds.Name, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{
		ds:      ds,
		cw:      cw,
		start:   start,
		end:     end,
		workers: opts.Workers,
		logger:  logger,
	}, nil
}

type resolved struct {
	recs []core.CanonicalRecord
	err  error
}

// Resolve maps every record onto canonical keys. Unresolvable records are
// quarantined with a KeyResolutionError. Records sharing a key are
// consolidated when the dataset declares consolidation; otherwise the first
// shared key is returned as a DuplicateKeyError. Output is sorted by key,
// then source row.
func (r *Resolver) Resolve(ctx context.Context, records []core.CanonicalRecord) (*Output, error) {
	rows, err := worker.Map(ctx, r.workers, records, func(_ context.Context, _ int, rec core.CanonicalRecord) (resolved, error) {
		recs, err := r.resolveRow(rec)
		return resolved{recs: recs, err: err}, nil
	})
	if err != nil {
		return nil, err
	}

	out := &Output{}
	var keyed []core.CanonicalRecord
	for i, row := range rows {
		if row.err != nil {
			out.Rejected = append(out.Rejected, core.Rejection{
				Dataset: r.ds.Name,
				Ref:     records[i].Ref(),
				Index:   i,
				Err:     row.err,
			})
			continue
		}
		keyed = append(keyed, row.recs...)
	}

	if r.ds.DropDuplicateRows {
		keyed, out.Dropped = dropDuplicateRows(keyed)
	}

	sortRecords(keyed)
	accepted, err := r.enforceUnique(keyed, out)
	if err != nil {
		return nil, err
	}
	out.Accepted = accepted

	r.logger.Info("resolved dataset",
		"dataset", r.ds.Name,
		"records", len(out.Accepted),
		"quarantined", len(out.Rejected),
		"dropped_duplicates", len(out.Dropped),
		"consolidated", out.Consolidated)
	return out, nil
}

func (r *Resolver) resolveRow(rec core.CanonicalRecord) ([]core.CanonicalRecord, error) {
	keyErr := func(field, value, reason string) error {
		return &core.KeyResolutionError{
			Dataset: r.ds.Name,
			Ref:     rec.Ref(),
			Field:   field,
			Value:   value,
			Reason:  reason,
		}
	}

	period, err := ParsePeriod(r.ds.Period, rec)
	if err != nil {
		return nil, keyErr("period", rawPeriodText(rec), core.ReasonBadPeriod)
	}
	if !InWindow(period, r.start, r.end) {
		return nil, keyErr("period", period.String(), core.ReasonOutOfWindow)
	}

	geo := rec.RawGeo
	var geos []string
	broadcast := false
	switch r.ds.Grain {
	case config.GrainZip:
		county, ok := r.cw.CountyForZip(geo)
		if !ok {
			return nil, keyErr("geo", geo, core.ReasonUnknownGeo)
		}
		geos = []string{county}
	case config.GrainState:
		if !r.cw.HasState(geo) {
			return nil, keyErr("geo", geo, core.ReasonUnknownGeo)
		}
		if r.ds.BroadcastEnabled() {
			geos = r.cw.CountiesOf(geo)
			broadcast = true
		} else {
			geos = []string{geo}
		}
	default:
		if !r.cw.HasCounty(geo) {
			return nil, keyErr("geo", geo, core.ReasonUnknownGeo)
		}
		geos = []string{geo}
	}

	out := make([]core.CanonicalRecord, 0, len(geos))
	for _, g := range geos {
		c := rec
		c.GeoID = g
		c.Period = period
		c.Broadcast = broadcast
		if len(geos) > 1 {
			c.Metrics = rec.Metrics.Clone()
		}
		out = append(out, c)
	}
	return out, nil
}

func rawPeriodText(rec core.CanonicalRecord) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{rec.RawYear, rec.RawMonth, rec.RawPeriod} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// dropDuplicateRows removes records identical on raw geography, period and
// metrics, keeping the first in input order.
func dropDuplicateRows(recs []core.CanonicalRecord) ([]core.CanonicalRecord, []core.Rejection) {
	seen := make(map[string]string)
	kept := recs[:0:0]
	var dropped []core.Rejection
	for i, rec := range recs {
		sig := rowSignature(rec)
		if first, dup := seen[sig]; dup {
			dropped = append(dropped, core.Rejection{
				Dataset: rec.Dataset,
				Ref:     rec.Ref(),
				Index:   i,
				Err:     fmt.Errorf("duplicate of %s", first),
			})
			continue
		}
		seen[sig] = rec.Ref()
		kept = append(kept, rec)
	}
	return kept, dropped
}

func rowSignature(rec core.CanonicalRecord) string {
	var b strings.Builder
	b.WriteString(rec.RawGeo)
	b.WriteByte('|')
	b.WriteString(rec.Key().String())
	for _, name := range rec.Metrics.Names() {
		b.WriteByte('|')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(core.FormatFloat(rec.Metrics[name]))
	}
	return b.String()
}

func sortRecords(recs []core.CanonicalRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Key() != b.Key() {
			return a.Key().Less(b.Key())
		}
		if a.SourceFile != b.SourceFile {
			return a.SourceFile < b.SourceFile
		}
		return a.Row < b.Row
	})
}

// enforceUnique walks key groups of sorted records. Exact records shadow
// broadcast copies of the same key; remaining groups are consolidated or
// reported as duplicates.
func (r *Resolver) enforceUnique(sorted []core.CanonicalRecord, out *Output) ([]core.CanonicalRecord, error) {
	consolidate := len(r.ds.Consolidate) > 0
	accepted := make([]core.CanonicalRecord, 0, len(sorted))

	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && sorted[end].Key() == sorted[start].Key() {
			end++
		}
		group := sorted[start:end]
		start = end

		if len(group) > 1 {
			var exact []core.CanonicalRecord
			for _, rec := range group {
				if !rec.Broadcast {
					exact = append(exact, rec)
				}
			}
			if len(exact) > 0 && len(exact) < len(group) {
				out.Shadowed += len(group) - len(exact)
				group = exact
			}
		}

		switch {
		case consolidate:
			if len(group) > 1 {
				out.Consolidated++
			}
			accepted = append(accepted, r.consolidate(group))
		case len(group) == 1:
			accepted = append(accepted, group[0])
		default:
			refs := make([]string, len(group))
			for i, rec := range group {
				refs[i] = rec.Ref()
			}
			return nil, &core.DuplicateKeyError{Dataset: r.ds.Name, Key: group[0].Key(), Refs: refs}
		}
	}
	return accepted, nil
}

// consolidate folds a key group into one record with the consolidate
// metrics. Attributes survive when every record agrees on them.
func (r *Resolver) consolidate(group []core.CanonicalRecord) core.CanonicalRecord {
	out := group[0]
	out.Metrics = make(core.Metrics, len(r.ds.Consolidate))
	out.Contributors = 0
	for _, agg := range r.ds.Consolidate {
		acc := aggregate.NewAccumulator(agg.Func)
		for _, rec := range group {
			var w *float64
			if agg.Weight != "" {
				w = rec.Metrics[agg.Weight]
			}
			acc.Add(rec.Metrics[agg.SourceMetric()], w)
		}
		out.Metrics[agg.Name] = acc.Result()
	}
	for _, rec := range group {
		out.Contributors += rec.Contributors
	}

	out.Attributes = make(map[string]string)
	for name, v := range group[0].Attributes {
		same := true
		for _, rec := range group[1:] {
			if rec.Attributes[name] != v {
				same = false
				break
			}
		}
		if same {
			out.Attributes[name] = v
		}
	}
	return out
}
