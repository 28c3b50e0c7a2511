package artifact

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Column prefixes for open-ended fields.
const (
	attrPrefix       = "attr_"
	refPrefix        = "ref_"
	matchPrefix      = "match_"
	matchPeriodInfix = "period_"
)

var canonicalColumns = []string{
	"dataset", "source_file", "row", "geo_id", "period",
	"raw_geo", "raw_year", "raw_month", "raw_period",
	"broadcast", "contributors",
}

var enrichedColumns = []string{"fill_policy_applied", "missing_enrichment"}

// CheckMetricName rejects metric names that would collide with a fixed
// artifact column or be decoded as an attribute, reference or match column.
func CheckMetricName(name string) error {
	for _, set := range [][]string{canonicalColumns, enrichedColumns, aggregatedColumns} {
		if slices.Contains(set, name) {
			return fmt.Errorf("metric name %q is reserved", name)
		}
	}
	for _, p := range []string{attrPrefix, refPrefix, matchPrefix} {
		if strings.HasPrefix(name, p) {
			return fmt.Errorf("metric name %q uses reserved prefix %q", name, p)
		}
	}
	return nil
}

// CheckSourceName rejects reference dataset names whose match columns would
// be read as the period column of another source.
func CheckSourceName(name string) error {
	if strings.HasPrefix(name, matchPeriodInfix) {
		return fmt.Errorf("reference dataset name %q uses reserved prefix %q", name, matchPeriodInfix)
	}
	return nil
}

func sortedKeys[V any](sets ...map[string]V) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range sets {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

func metricNames(recs []core.CanonicalRecord) (metrics, attrs []string) {
	ms := make(map[string]bool)
	as := make(map[string]bool)
	for _, r := range recs {
		for k := range r.Metrics {
			ms[k] = true
		}
		for k := range r.Attributes {
			as[k] = true
		}
	}
	return sortedKeys(ms), sortedKeys(as)
}

func canonicalCells(r core.CanonicalRecord, metrics, attrs []string) []string {
	row := []string{
		r.Dataset, r.SourceFile, strconv.Itoa(r.Row), r.GeoID, r.Period.String(),
		r.RawGeo, r.RawYear, r.RawMonth, r.RawPeriod,
		strconv.FormatBool(r.Broadcast), strconv.Itoa(r.Contributors),
	}
	for _, m := range metrics {
		row = append(row, core.FormatFloat(r.Metrics[m]))
	}
	for _, a := range attrs {
		row = append(row, r.Attributes[a])
	}
	return row
}

// EncodeCanonical renders canonical records with fixed key columns followed
// by metrics and attributes in name order.
func EncodeCanonical(recs []core.CanonicalRecord) Table {
	metrics, attrs := metricNames(recs)
	header := append([]string{}, canonicalColumns...)
	header = append(header, metrics...)
	for _, a := range attrs {
		header = append(header, attrPrefix+a)
	}
	t := Table{Header: header, Rows: make([][]string, 0, len(recs))}
	for _, r := range recs {
		t.Rows = append(t.Rows, canonicalCells(r, metrics, attrs))
	}
	return t
}

// rowReader decodes cells by column name.
type rowReader struct {
	t     Table
	index map[string]int
}

func newRowReader(t Table, required []string) (*rowReader, error) {
	idx := make(map[string]int, len(t.Header))
	for i, h := range t.Header {
		idx[h] = i
	}
	for _, c := range required {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}
	return &rowReader{t: t, index: idx}, nil
}

func (r *rowReader) get(row []string, col string) string {
	i, ok := r.index[col]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func parseFloatCell(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func parsePeriodCell(s string) (core.Period, error) {
	if s == "" {
		return core.Period{}, nil
	}
	return core.ParsePeriod(s)
}

// isCanonicalColumn reports whether a header belongs to the fixed columns.
func isCanonicalColumn(h string) bool {
	for _, c := range canonicalColumns {
		if c == h {
			return true
		}
	}
	return false
}

func (r *rowReader) canonical(n int, row []string, skip func(string) bool) (core.CanonicalRecord, error) {
	rec := core.CanonicalRecord{
		Dataset:    r.get(row, "dataset"),
		SourceFile: r.get(row, "source_file"),
		GeoID:      r.get(row, "geo_id"),
		RawGeo:     r.get(row, "raw_geo"),
		RawYear:    r.get(row, "raw_year"),
		RawMonth:   r.get(row, "raw_month"),
		RawPeriod:  r.get(row, "raw_period"),
		Broadcast:  r.get(row, "broadcast") == "true",
		Metrics:    core.Metrics{},
	}
	var errs []error
	var err error
	if rec.Row, err = strconv.Atoi(r.get(row, "row")); err != nil {
		errs = append(errs, fmt.Errorf("row: %w", err))
	}
	if rec.Contributors, err = strconv.Atoi(r.get(row, "contributors")); err != nil {
		errs = append(errs, fmt.Errorf("contributors: %w", err))
	}
	if rec.Period, err = parsePeriodCell(r.get(row, "period")); err != nil {
		errs = append(errs, fmt.Errorf("period: %w", err))
	}
	for i, h := range r.t.Header {
		if isCanonicalColumn(h) || (skip != nil && skip(h)) || i >= len(row) {
			continue
		}
		if name, ok := strings.CutPrefix(h, attrPrefix); ok {
			if rec.Attributes == nil {
				rec.Attributes = make(map[string]string)
			}
			if row[i] != "" {
				rec.Attributes[name] = row[i]
			}
			continue
		}
		v, err := parseFloatCell(row[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h, err))
			continue
		}
		rec.Metrics[h] = v
	}
	if len(errs) > 0 {
		return rec, fmt.Errorf("line %d: %w", n+2, errors.Join(errs...))
	}
	return rec, nil
}

// DecodeCanonical parses a table written by EncodeCanonical.
func DecodeCanonical(t Table) ([]core.CanonicalRecord, error) {
	r, err := newRowReader(t, canonicalColumns)
	if err != nil {
		return nil, err
	}
	out := make([]core.CanonicalRecord, 0, len(t.Rows))
	for n, row := range t.Rows {
		rec, err := r.canonical(n, row, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// EncodeEnriched renders enriched records: canonical columns, the fill
// flags, one match kind and period column per source, then reference
// metrics.
func EncodeEnriched(recs []core.EnrichedRecord) Table {
	base := make([]core.CanonicalRecord, len(recs))
	refs := make(map[string]bool)
	sources := make(map[string]bool)
	for i, r := range recs {
		base[i] = r.CanonicalRecord
		for k := range r.Reference {
			refs[k] = true
		}
		for s := range r.Matches {
			sources[s] = true
		}
	}
	metrics, attrs := metricNames(base)
	refNames := sortedKeys(refs)
	sourceNames := sortedKeys(sources)

	header := append([]string{}, canonicalColumns...)
	header = append(header, metrics...)
	for _, a := range attrs {
		header = append(header, attrPrefix+a)
	}
	header = append(header, enrichedColumns...)
	for _, s := range sourceNames {
		header = append(header, matchPrefix+s, matchPrefix+matchPeriodInfix+s)
	}
	for _, n := range refNames {
		header = append(header, refPrefix+n)
	}

	t := Table{Header: header, Rows: make([][]string, 0, len(recs))}
	for _, r := range recs {
		row := canonicalCells(r.CanonicalRecord, metrics, attrs)
		row = append(row, strconv.FormatBool(r.FillPolicyApplied), strconv.FormatBool(r.MissingEnrichment))
		for _, s := range sourceNames {
			m := r.Matches[s]
			row = append(row, m.Kind, m.Period.String())
		}
		for _, n := range refNames {
			row = append(row, core.FormatFloat(r.Reference[n]))
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func isEnrichedColumn(h string) bool {
	return h == "fill_policy_applied" || h == "missing_enrichment" ||
		strings.HasPrefix(h, matchPrefix) || strings.HasPrefix(h, refPrefix)
}

// DecodeEnriched parses a table written by EncodeEnriched.
func DecodeEnriched(t Table) ([]core.EnrichedRecord, error) {
	required := append([]string{}, canonicalColumns...)
	required = append(required, enrichedColumns...)
	r, err := newRowReader(t, required)
	if err != nil {
		return nil, err
	}

	out := make([]core.EnrichedRecord, 0, len(t.Rows))
	for n, row := range t.Rows {
		base, err := r.canonical(n, row, isEnrichedColumn)
		if err != nil {
			return nil, err
		}
		rec := core.EnrichedRecord{
			CanonicalRecord:   base,
			Reference:         core.Metrics{},
			Matches:           make(map[string]core.Match),
			FillPolicyApplied: r.get(row, "fill_policy_applied") == "true",
			MissingEnrichment: r.get(row, "missing_enrichment") == "true",
		}
		for i, h := range t.Header {
			if i >= len(row) {
				continue
			}
			switch {
			case strings.HasPrefix(h, refPrefix):
				v, err := parseFloatCell(row[i])
				if err != nil {
					return nil, fmt.Errorf("line %d: %s: %w", n+2, h, err)
				}
				rec.Reference[strings.TrimPrefix(h, refPrefix)] = v
			case strings.HasPrefix(h, matchPrefix+matchPeriodInfix):
				// Read with the kind column.
			case strings.HasPrefix(h, matchPrefix):
				source := strings.TrimPrefix(h, matchPrefix)
				period, err := parsePeriodCell(r.get(row, matchPrefix+matchPeriodInfix+source))
				if err != nil {
					return nil, fmt.Errorf("line %d: %s: %w", n+2, h, err)
				}
				rec.Matches[source] = core.Match{Source: source, Kind: row[i], Period: period}
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

var aggregatedColumns = []string{"geo_id", "period", "record_count", "filled_count", "months_covered", "partial_period"}

// EncodeAggregated renders aggregated records with metrics in the given order.
func EncodeAggregated(recs []core.AggregatedRecord, metrics []string) Table {
	header := append([]string{}, aggregatedColumns...)
	header = append(header, metrics...)
	t := Table{Header: header, Rows: make([][]string, 0, len(recs))}
	for _, r := range recs {
		row := []string{
			r.GeoID, r.Period.String(), strconv.Itoa(r.RecordCount), strconv.Itoa(r.FilledCount),
			strconv.Itoa(r.MonthsCovered), strconv.FormatBool(r.Partial),
		}
		for _, m := range metrics {
			row = append(row, core.FormatFloat(r.Metrics[m]))
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// DecodeAggregated parses a table written by EncodeAggregated.
func DecodeAggregated(t Table) ([]core.AggregatedRecord, error) {
	r, err := newRowReader(t, aggregatedColumns)
	if err != nil {
		return nil, err
	}
	out := make([]core.AggregatedRecord, 0, len(t.Rows))
	for n, row := range t.Rows {
		rec := core.AggregatedRecord{GeoID: r.get(row, "geo_id"), Metrics: core.Metrics{}}
		var errs []error
		var err error
		if rec.Period, err = parsePeriodCell(r.get(row, "period")); err != nil {
			errs = append(errs, err)
		}
		if rec.RecordCount, err = strconv.Atoi(r.get(row, "record_count")); err != nil {
			errs = append(errs, err)
		}
		if rec.FilledCount, err = strconv.Atoi(r.get(row, "filled_count")); err != nil {
			errs = append(errs, err)
		}
		if rec.MonthsCovered, err = strconv.Atoi(r.get(row, "months_covered")); err != nil {
			errs = append(errs, err)
		}
		rec.Partial = r.get(row, "partial_period") == "true"
		for i, h := range t.Header[len(aggregatedColumns):] {
			col := i + len(aggregatedColumns)
			if col >= len(row) {
				continue
			}
			v, err := parseFloatCell(row[col])
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", h, err))
				continue
			}
			rec.Metrics[h] = v
		}
		if len(errs) > 0 {
			return nil, fmt.Errorf("line %d: %w", n+2, errors.Join(errs...))
		}
		out = append(out, rec)
	}
	return out, nil
}

var rejectionColumns = []string{"dataset", "row_ref", "index", "error_class", "field", "value", "reason", "message"}

// EncodeRejections renders rejected or quarantined rows.
func EncodeRejections(rejected []core.Rejection) Table {
	t := Table{Header: rejectionColumns, Rows: make([][]string, 0, len(rejected))}
	for _, r := range rejected {
		var field, value, reason string
		var schemaErr *core.SchemaError
		var keyErr *core.KeyResolutionError
		switch {
		case errors.As(r.Err, &schemaErr):
			field, value, reason = schemaErr.Column, schemaErr.Value, schemaErr.Reason
		case errors.As(r.Err, &keyErr):
			field, value, reason = keyErr.Field, keyErr.Value, keyErr.Reason
		}
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		t.Rows = append(t.Rows, []string{
			r.Dataset, r.Ref, strconv.Itoa(r.Index), core.ErrorClass(r.Err),
			field, value, reason, msg,
		})
	}
	return t
}

var violationColumns = []string{"rule_id", "severity", "field", "dataset", "row_ref", "index", "message"}

// EncodeViolations renders a validation report.
func EncodeViolations(violations []core.Violation) Table {
	t := Table{Header: violationColumns, Rows: make([][]string, 0, len(violations))}
	for _, v := range violations {
		t.Rows = append(t.Rows, []string{
			v.RuleID, v.Severity.String(), v.Field, v.Dataset, v.RowRef, strconv.Itoa(v.Index), v.Message,
		})
	}
	return t
}
