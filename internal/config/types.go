// Package config provides the pipeline configuration shared by every stage.
//
// A Pipeline value is loaded once per run and passed explicitly to the
// stages. Nothing in the pipeline mutates it after Validate succeeds.
package config

import (
	"fmt"
	"strings"

	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Pipeline holds the datasets, crosswalk, rules and stage options of a run.
type Pipeline struct {
	// Workers bounds row-level parallelism inside a stage.
	Workers int `koanf:"workers" json:"-"`
	// SampleRefs is the number of row references kept in abort reports.
	SampleRefs int `koanf:"sample_refs" json:"-"`

	Datasets   []DatasetConfig `koanf:"datasets" json:"datasets"`
	Crosswalk  CrosswalkConfig `koanf:"crosswalk" json:"crosswalk"`
	Rules      RuleSets        `koanf:"rules" json:"rules"`
	Enrich     EnrichConfig    `koanf:"enrich" json:"enrich"`
	Aggregate  AggregateConfig `koanf:"aggregate" json:"aggregate"`
	Thresholds Thresholds      `koanf:"thresholds" json:"thresholds"`
}

// Dataset returns the dataset with the given name.
func (p *Pipeline) Dataset(name string) (*DatasetConfig, bool) {
	for i := range p.Datasets {
		if p.Datasets[i].Name == name {
			return &p.Datasets[i], true
		}
	}
	return nil, false
}

// PrimaryDataset returns the dataset enriched by the reference sources.
func (p *Pipeline) PrimaryDataset() (*DatasetConfig, bool) {
	if p.Enrich.Primary != "" {
		return p.Dataset(p.Enrich.Primary)
	}
	for i := range p.Datasets {
		if p.Datasets[i].Role == core.RolePrimary {
			return &p.Datasets[i], true
		}
	}
	return nil, false
}

// References returns the enrichment sources in configured order. When none
// are configured, every reference dataset is used in declaration order.
func (p *Pipeline) References() []ReferenceConfig {
	if len(p.Enrich.References) > 0 {
		return p.Enrich.References
	}
	var refs []ReferenceConfig
	for _, ds := range p.Datasets {
		if ds.Role == core.RoleReference {
			refs = append(refs, ReferenceConfig{Dataset: ds.Name})
		}
	}
	return refs
}

// DatasetConfig describes one source dataset family.
type DatasetConfig struct {
	Name string `koanf:"name" json:"name"`
	// Role is primary or reference.
	Role string `koanf:"role" json:"role"`
	// Files are glob patterns relative to the input directory.
	Files []string `koanf:"files" json:"files"`
	// Delimiter overrides detection by file extension.
	Delimiter string `koanf:"delimiter" json:"delimiter,omitempty"`

	// GeoFormat is zip, fips or laus_series.
	GeoFormat string `koanf:"geo_format" json:"geo_format"`
	// Grain is the geographic granularity: zip, county or state.
	Grain string `koanf:"grain" json:"grain"`
	// Broadcast copies state-grain values to every county of the state.
	// Defaults to true.
	Broadcast *bool `koanf:"broadcast" json:"broadcast,omitempty"`

	Columns []ColumnMapping `koanf:"columns" json:"columns"`
	Period  PeriodRule      `koanf:"period" json:"period"`

	// Consolidate folds records sharing a join key into the listed metrics.
	// Without it duplicates are a DuplicateKeyError.
	Consolidate       []core.MetricAggregation `koanf:"consolidate" json:"consolidate,omitempty"`
	DropDuplicateRows bool                     `koanf:"drop_duplicate_rows" json:"drop_duplicate_rows,omitempty"`

	// FillAttributes lists attributes whose empty values are filled with the
	// most frequent value seen for the same source geography.
	FillAttributes []string `koanf:"fill_attributes" json:"fill_attributes,omitempty"`
}

// BroadcastEnabled reports whether state values are broadcast to counties.
func (d *DatasetConfig) BroadcastEnabled() bool {
	return d.Broadcast == nil || *d.Broadcast
}

// MetricNames returns the metric names produced by the column mappings, in
// declaration order.
func (d *DatasetConfig) MetricNames() []string {
	var names []string
	for _, c := range d.Columns {
		if c.Kind() == FieldMetric {
			names = append(names, c.Name())
		}
	}
	return names
}

// OutputMetrics returns the metric names of resolved records. Consolidated
// datasets emit one metric per consolidate entry.
func (d *DatasetConfig) OutputMetrics() []string {
	if len(d.Consolidate) == 0 {
		return d.MetricNames()
	}
	names := make([]string, 0, len(d.Consolidate))
	for _, c := range d.Consolidate {
		names = append(names, c.Name)
	}
	return names
}

// Mapping returns the column mapping for a canonical field.
func (d *DatasetConfig) Mapping(field string) (ColumnMapping, bool) {
	for _, c := range d.Columns {
		if c.Field == field {
			return c, true
		}
	}
	return ColumnMapping{}, false
}

// Canonical field kinds.
const (
	FieldGeo    = "geo"
	FieldPeriod = "period"
	FieldYear   = "year"
	FieldMonth  = "month"
	FieldMetric = "metric"
	FieldAttr   = "attr"
)

// Value types.
const (
	TypeString  = "string"
	TypeNumeric = "numeric"
	TypeInteger = "integer"
	TypeDate    = "date"
)

// ColumnMapping maps raw column aliases onto one canonical field.
type ColumnMapping struct {
	// Field is geo, period, year, month, metric:<name> or attr:<name>.
	Field    string   `koanf:"field" json:"field"`
	Aliases  []string `koanf:"aliases" json:"aliases"`
	Required bool     `koanf:"required" json:"required,omitempty"`
	Type     string   `koanf:"type" json:"type,omitempty"`
	// Convert is identity, scale:<f>, percent_to_ratio, thousands or
	// expr:<starlark>.
	Convert string `koanf:"convert" json:"convert,omitempty"`
}

// Kind returns the canonical field kind.
func (c ColumnMapping) Kind() string {
	kind, _, _ := strings.Cut(c.Field, ":")
	return kind
}

// Name returns the metric or attribute name, or the field itself.
func (c ColumnMapping) Name() string {
	if _, name, ok := strings.Cut(c.Field, ":"); ok {
		return name
	}
	return c.Field
}

// ValueType returns the declared type with the default applied.
func (c ColumnMapping) ValueType() string {
	if c.Type != "" {
		return c.Type
	}
	if c.Kind() == FieldMetric {
		return TypeNumeric
	}
	return TypeString
}

// Geo formats.
const (
	GeoZip        = "zip"
	GeoFIPS       = "fips"
	GeoLAUSSeries = "laus_series"
)

// Period rule kinds.
const (
	PeriodDate       = "date"
	PeriodYearMonth  = "year_month"
	PeriodYearPeriod = "year_period"
	PeriodYear       = "year"
)

// PeriodRule describes how a dataset's period fields are parsed.
type PeriodRule struct {
	Kind    string   `koanf:"kind" json:"kind"`
	Layouts []string `koanf:"layouts" json:"layouts,omitempty"`
	// Start and End bound the accepted periods (inclusive, canonical text).
	Start string `koanf:"start" json:"start,omitempty"`
	End   string `koanf:"end" json:"end,omitempty"`
}

// Window returns the parsed period window. Zero periods mean unbounded.
func (r PeriodRule) Window() (start, end core.Period, err error) {
	if r.Start != "" {
		if start, err = core.ParsePeriod(r.Start); err != nil {
			return core.Period{}, core.Period{}, fmt.Errorf("period.start: %w", err)
		}
	}
	if r.End != "" {
		if end, err = core.ParsePeriod(r.End); err != nil {
			return core.Period{}, core.Period{}, fmt.Errorf("period.end: %w", err)
		}
	}
	return start, end, nil
}

// CrosswalkConfig locates the zip/county/state crosswalk table.
type CrosswalkConfig struct {
	// File is relative to the input directory.
	File         string `koanf:"file" json:"file"`
	ZipColumn    string `koanf:"zip_column" json:"zip_column"`
	CountyColumn string `koanf:"county_column" json:"county_column"`
	// StateColumn is optional; the state defaults to the county's first two digits.
	StateColumn  string `koanf:"state_column" json:"state_column,omitempty"`
	WeightColumn string `koanf:"weight_column" json:"weight_column,omitempty"`
	// States keeps only crosswalk rows for these state FIPS codes.
	States []string `koanf:"states" json:"states,omitempty"`
}

// RuleSets holds the validation rules applied to each stage's output.
type RuleSets struct {
	Validate  []core.ValidationRule `koanf:"validate" json:"validate,omitempty"`
	Enrich    []core.ValidationRule `koanf:"enrich" json:"enrich,omitempty"`
	Aggregate []core.ValidationRule `koanf:"aggregate" json:"aggregate,omitempty"`
}

// EnrichConfig configures the primary/reference join.
type EnrichConfig struct {
	Primary      string            `koanf:"primary" json:"primary,omitempty"`
	References   []ReferenceConfig `koanf:"references" json:"references,omitempty"`
	FillPolicies []core.FillPolicy `koanf:"fill_policies" json:"fill_policies,omitempty"`
	// MaxCarryPeriods bounds carry-forward distance in reference periods;
	// zero means unbounded.
	MaxCarryPeriods int `koanf:"max_carry_periods" json:"max_carry_periods,omitempty"`
}

// Policies returns the fill policies with the default applied.
func (e EnrichConfig) Policies() []core.FillPolicy {
	if len(e.FillPolicies) == 0 {
		return core.DefaultFillPolicies
	}
	return e.FillPolicies
}

// ReferenceConfig names one enrichment source.
type ReferenceConfig struct {
	Dataset string `koanf:"dataset" json:"dataset"`
	// Metrics selects the joined metrics; empty means all.
	Metrics []string `koanf:"metrics" json:"metrics,omitempty"`
	// Rollup is the per-metric function for state aggregates (default mean).
	Rollup map[string]core.AggFunc `koanf:"rollup" json:"rollup,omitempty"`
}

// RollupFunc returns the state-aggregate function for a metric.
func (r ReferenceConfig) RollupFunc(metric string) core.AggFunc {
	if f, ok := r.Rollup[metric]; ok && f != "" {
		return f
	}
	return core.AggMean
}

// Grouping keys and grains.
const (
	GroupGeo    = "geo_id"
	GroupPeriod = "period"
	GrainYear   = "year"
	GrainMonth  = "month"
	GrainState  = "state"
	GrainCounty = "county"
	GrainZip    = "zip"
)

// AggregateConfig configures the reporting grain.
type AggregateConfig struct {
	GroupBy     []string                 `koanf:"group_by" json:"group_by"`
	PeriodGrain string                   `koanf:"period_grain" json:"period_grain,omitempty"`
	GeoGrain    string                   `koanf:"geo_grain" json:"geo_grain,omitempty"`
	Metrics     []core.MetricAggregation `koanf:"metrics" json:"metrics"`
}

// Thresholds bound row-level losses per stage. Nil fields use defaults.
type Thresholds struct {
	MaxRejectRatio     *float64 `koanf:"max_reject_ratio" json:"max_reject_ratio,omitempty"`
	MaxQuarantineRatio *float64 `koanf:"max_quarantine_ratio" json:"max_quarantine_ratio,omitempty"`
	MaxFatalRatio      *float64 `koanf:"max_fatal_ratio" json:"max_fatal_ratio,omitempty"`
}

// RejectRatio returns the normalize threshold.
func (t Thresholds) RejectRatio() float64 {
	return valueOr(t.MaxRejectRatio, DefaultMaxRejectRatio)
}

// QuarantineRatio returns the resolve threshold.
func (t Thresholds) QuarantineRatio() float64 {
	return valueOr(t.MaxQuarantineRatio, DefaultMaxQuarantineRatio)
}

// FatalRatio returns the validation threshold.
func (t Thresholds) FatalRatio() float64 {
	return valueOr(t.MaxFatalRatio, DefaultMaxFatalRatio)
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
