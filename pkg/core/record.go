package core

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Dataset roles.
const (
	RolePrimary   = "primary"
	RoleReference = "reference"
)

// Float returns a pointer to v for use as a non-null metric value.
func Float(v float64) *float64 {
	return &v
}

// Metrics maps metric names to nullable numeric values.
type Metrics map[string]*float64

// Names returns the metric names in sorted order.
func (m Metrics) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the metrics.
func (m Metrics) Clone() Metrics {
	if m == nil {
		return nil
	}
	out := make(Metrics, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = Float(*v)
		} else {
			out[k] = nil
		}
	}
	return out
}

// Equal reports whether both metric sets hold the same names and values.
func (m Metrics) Equal(o Metrics) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		w, ok := o[k]
		if !ok {
			return false
		}
		if (v == nil) != (w == nil) {
			return false
		}
		if v != nil && *v != *w {
			return false
		}
	}
	return true
}

// FormatFloat renders a metric value in its shortest round-trip form.
// Null values render as the empty string.
func FormatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// RowRef formats a stable row reference.
func RowRef(sourceFile string, row int) string {
	return fmt.Sprintf("%s:%d", sourceFile, row)
}

// RawRecord is one row from a source file with loosely typed fields.
type RawRecord struct {
	Dataset    string
	SourceFile string
	// Row is the 1-based data row number within SourceFile.
	Row        int
	IngestedAt time.Time
	// Columns holds the cleaned header names in file order.
	Columns []string
	Values  map[string]string
}

// Ref returns the row reference for diagnostics.
func (r RawRecord) Ref() string {
	return RowRef(r.SourceFile, r.Row)
}

// CanonicalRecord is a typed record in the canonical schema of its dataset.
// After normalization only the raw key fields are set; resolution fills
// GeoID and Period.
type CanonicalRecord struct {
	Dataset    string
	SourceFile string
	Row        int

	GeoID  string
	Period Period

	Metrics    Metrics
	Attributes map[string]string

	RawGeo    string
	RawYear   string
	RawMonth  string
	RawPeriod string

	// Broadcast is set when the value was copied from a coarser geography.
	Broadcast bool
	// Contributors counts raw rows consolidated into this record.
	Contributors int
}

// Key returns the record's join key.
func (r CanonicalRecord) Key() JoinKey {
	return JoinKey{GeoID: r.GeoID, Period: r.Period}
}

// Ref returns the row reference for diagnostics.
func (r CanonicalRecord) Ref() string {
	return RowRef(r.SourceFile, r.Row)
}

// Resolved reports whether the key fields are in canonical form.
func (r CanonicalRecord) Resolved() bool {
	return r.GeoID != "" && !r.Period.IsZero() && r.Period.Valid()
}

// Lookup returns a field value for validation rules. Metric nulls return
// (nil, true); unknown fields return (nil, false).
func (r CanonicalRecord) Lookup(field string) (any, bool) {
	switch field {
	case "geo_id":
		return r.GeoID, true
	case "period":
		return r.Period.String(), true
	case "year":
		return float64(r.Period.Year), true
	case "month":
		if r.Period.IsAnnual() {
			return nil, true
		}
		return float64(r.Period.Month), true
	case "dataset", "source_dataset":
		return r.Dataset, true
	case "source_file":
		return r.SourceFile, true
	case "raw_geo":
		return r.RawGeo, true
	}
	if v, ok := r.Metrics[field]; ok {
		if v == nil {
			return nil, true
		}
		return *v, true
	}
	if v, ok := r.Attributes[field]; ok {
		return v, true
	}
	return nil, false
}

// Match kinds describe how an enrichment value was found.
const (
	MatchExact          = "exact"
	MatchBroadcast      = "broadcast"
	MatchCarryForward   = "carry_forward"
	MatchStateAggregate = "state_aggregate"
	MatchMissing        = "missing"
)

// Match records how a reference source was joined to a primary record.
type Match struct {
	Source string
	Kind   string
	// Period is the reference period the values came from.
	Period Period
}

// Filled reports whether the match used a fill policy rather than an exact key.
func (m Match) Filled() bool {
	return m.Kind != MatchExact && m.Kind != MatchMissing
}

// EnrichedRecord is a primary record extended with reference metrics.
type EnrichedRecord struct {
	CanonicalRecord
	Reference         Metrics
	Matches           map[string]Match
	FillPolicyApplied bool
	MissingEnrichment bool
}

// Lookup extends CanonicalRecord.Lookup with reference metrics and flags.
func (r EnrichedRecord) Lookup(field string) (any, bool) {
	switch field {
	case "fill_policy_applied":
		return r.FillPolicyApplied, true
	case "missing_enrichment":
		return r.MissingEnrichment, true
	}
	if v, ok := r.Reference[field]; ok {
		if v == nil {
			return nil, true
		}
		return *v, true
	}
	return r.CanonicalRecord.Lookup(field)
}

// Value returns a metric from the primary or reference set.
func (r EnrichedRecord) Value(name string) (*float64, bool) {
	if v, ok := r.Metrics[name]; ok {
		return v, true
	}
	v, ok := r.Reference[name]
	return v, ok
}

// AggregatedRecord is one row at the reporting grain.
type AggregatedRecord struct {
	GeoID       string
	Period      Period
	Metrics     Metrics
	RecordCount int
	FilledCount int
	// MonthsCovered counts the distinct months of the group's records; an
	// annual record covers all twelve.
	MonthsCovered int
	// Partial marks a yearly group with fewer than twelve months of data.
	Partial bool
}

// Ref returns the group key as a row reference.
func (r AggregatedRecord) Ref() string {
	return JoinKey{GeoID: r.GeoID, Period: r.Period}.String()
}

// Lookup returns a field value for validation rules.
func (r AggregatedRecord) Lookup(field string) (any, bool) {
	switch field {
	case "geo_id":
		return r.GeoID, true
	case "period":
		return r.Period.String(), true
	case "record_count":
		return float64(r.RecordCount), true
	case "filled_count":
		return float64(r.FilledCount), true
	case "months_covered":
		return float64(r.MonthsCovered), true
	case "partial_period":
		return strconv.FormatBool(r.Partial), true
	}
	if v, ok := r.Metrics[field]; ok {
		if v == nil {
			return nil, true
		}
		return *v, true
	}
	return nil, false
}

// Rejection is a record excluded from a stage's accepted output.
type Rejection struct {
	Dataset string
	Ref     string
	// Index is the record's position in the stage input.
	Index int
	Err   error
}

// Result is the structured outcome of a row-level stage.
type Result[R any] struct {
	Accepted []R
	Rejected []Rejection
}

// Total returns the number of input records accounted for.
func (r Result[R]) Total() int {
	return len(r.Accepted) + len(r.Rejected)
}

// RejectedRatio returns the share of rejected records.
func (r Result[R]) RejectedRatio() float64 {
	total := r.Total()
	if total == 0 {
		return 0
	}
	return float64(len(r.Rejected)) / float64(total)
}
