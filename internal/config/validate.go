package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nth190/liheap-data-engineering/internal/artifact"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Reference set names for referential rules.
const (
	SetCounties = "counties"
	SetStates   = "states"
)

// Validate checks names, references and metric collisions. All problems are
// reported together.
func (p *Pipeline) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(p.Datasets) == 0 {
		add("at least one dataset is required")
	}
	seen := make(map[string]bool)
	primaries := 0
	for i := range p.Datasets {
		ds := &p.Datasets[i]
		if ds.Name == "" {
			add("datasets[%d]: name is required", i)
			continue
		}
		if seen[ds.Name] {
			add("dataset %s: duplicate name", ds.Name)
		}
		seen[ds.Name] = true
		if ds.Role == core.RolePrimary {
			primaries++
		}
		for _, err := range validateDataset(ds) {
			errs = append(errs, fmt.Errorf("dataset %s: %w", ds.Name, err))
		}
	}
	if p.Enrich.Primary == "" && primaries != 1 {
		add("exactly one primary dataset is required, found %d", primaries)
	}

	if p.Crosswalk.File == "" {
		add("crosswalk.file is required")
	}

	for stage, rules := range map[string][]core.ValidationRule{
		"validate":  p.Rules.Validate,
		"enrich":    p.Rules.Enrich,
		"aggregate": p.Rules.Aggregate,
	} {
		for _, err := range validateRules(rules) {
			errs = append(errs, fmt.Errorf("rules.%s: %w", stage, err))
		}
	}

	errs = append(errs, p.validateEnrich()...)
	errs = append(errs, p.validateAggregate()...)

	for name, v := range map[string]*float64{
		"max_reject_ratio":     p.Thresholds.MaxRejectRatio,
		"max_quarantine_ratio": p.Thresholds.MaxQuarantineRatio,
		"max_fatal_ratio":      p.Thresholds.MaxFatalRatio,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			add("thresholds.%s must be within [0, 1], got %v", name, *v)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	sortErrors(errs)
	return fmt.Errorf("invalid pipeline config: %w", errors.Join(errs...))
}

func validateDataset(ds *DatasetConfig) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch ds.Role {
	case core.RolePrimary, core.RoleReference:
	default:
		add("unknown role %q", ds.Role)
	}
	if len(ds.Files) == 0 {
		add("files is required")
	}
	switch ds.GeoFormat {
	case GeoZip, GeoFIPS, GeoLAUSSeries:
	default:
		add("unknown geo_format %q", ds.GeoFormat)
	}
	switch ds.Grain {
	case GrainZip, GrainCounty, GrainState:
	default:
		add("unknown grain %q", ds.Grain)
	}

	fields := make(map[string]bool)
	for _, c := range ds.Columns {
		if fields[c.Field] {
			add("field %s mapped twice", c.Field)
		}
		fields[c.Field] = true
		switch c.Kind() {
		case FieldGeo, FieldPeriod, FieldYear, FieldMonth:
		case FieldMetric, FieldAttr:
			if c.Name() == "" || c.Name() == c.Field {
				add("field %q needs a name", c.Field)
			} else if c.Kind() == FieldMetric {
				if err := artifact.CheckMetricName(c.Name()); err != nil {
					add("field %s: %v", c.Field, err)
				}
			}
		default:
			add("unknown field %q", c.Field)
		}
		if len(c.Aliases) == 0 {
			add("field %s: aliases is required", c.Field)
		}
		switch c.ValueType() {
		case TypeString, TypeNumeric, TypeInteger, TypeDate:
		default:
			add("field %s: unknown type %q", c.Field, c.Type)
		}
		if err := checkConvert(c.Convert); err != nil {
			add("field %s: %v", c.Field, err)
		}
	}
	if !fields[FieldGeo] {
		add("a geo column mapping is required")
	}
	for _, a := range ds.FillAttributes {
		if !fields[FieldAttr+":"+a] {
			add("fill_attributes: unknown attribute %q", a)
		}
	}

	switch ds.Period.Kind {
	case PeriodDate, PeriodYearMonth:
		if !fields[FieldPeriod] && !(fields[FieldYear] && fields[FieldMonth]) {
			add("period kind %s needs a period column or year and month columns", ds.Period.Kind)
		}
	case PeriodYearPeriod:
		if !fields[FieldYear] || !fields[FieldPeriod] {
			add("period kind year_period needs year and period columns")
		}
	case PeriodYear:
		if !fields[FieldYear] && !fields[FieldPeriod] {
			add("period kind year needs a year or period column")
		}
	default:
		add("unknown period kind %q", ds.Period.Kind)
	}
	start, end, err := ds.Period.Window()
	if err != nil {
		errs = append(errs, err)
	} else if !start.IsZero() && !end.IsZero() && end.Before(start) {
		add("period window end %s is before start %s", end, start)
	}

	metrics := make(map[string]bool)
	for _, m := range ds.MetricNames() {
		metrics[m] = true
	}
	for _, agg := range ds.Consolidate {
		errs = append(errs, checkAggregation("consolidate", agg, metrics)...)
	}
	return errs
}

func checkConvert(spec string) error {
	switch {
	case spec == "", spec == "identity", spec == "percent_to_ratio", spec == "thousands":
		return nil
	case strings.HasPrefix(spec, "scale:"):
		if _, err := strconv.ParseFloat(strings.TrimPrefix(spec, "scale:"), 64); err != nil {
			return fmt.Errorf("invalid scale factor in %q", spec)
		}
		return nil
	case strings.HasPrefix(spec, "expr:"):
		if strings.TrimSpace(strings.TrimPrefix(spec, "expr:")) == "" {
			return fmt.Errorf("empty expression")
		}
		return nil
	default:
		return fmt.Errorf("unknown convert %q", spec)
	}
}

func checkAggregation(section string, agg core.MetricAggregation, metrics map[string]bool) []error {
	var errs []error
	if agg.Name == "" {
		errs = append(errs, fmt.Errorf("%s: metric name is required", section))
	} else if err := artifact.CheckMetricName(agg.Name); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", section, err))
	}
	if _, err := core.ParseAggFunc(string(agg.Func)); err != nil {
		errs = append(errs, fmt.Errorf("%s %s: %w", section, agg.Name, err))
	}
	if metrics != nil && agg.Func != core.AggCount && !metrics[agg.SourceMetric()] {
		errs = append(errs, fmt.Errorf("%s %s: unknown source metric %q", section, agg.Name, agg.SourceMetric()))
	}
	if agg.Func == core.AggWeightedMean {
		if agg.Weight == "" {
			errs = append(errs, fmt.Errorf("%s %s: weighted_mean needs a weight metric", section, agg.Name))
		} else if metrics != nil && !metrics[agg.Weight] {
			errs = append(errs, fmt.Errorf("%s %s: unknown weight metric %q", section, agg.Name, agg.Weight))
		}
	}
	return errs
}

func validateRules(rules []core.ValidationRule) []error {
	var errs []error
	ids := make(map[string]bool)
	for i, r := range rules {
		name := r.ID
		if name == "" {
			errs = append(errs, fmt.Errorf("rule[%d]: id is required", i))
			name = strconv.Itoa(i)
		} else if ids[r.ID] {
			errs = append(errs, fmt.Errorf("rule %s: duplicate id", r.ID))
		}
		ids[r.ID] = true
		if r.Field == "" {
			errs = append(errs, fmt.Errorf("rule %s: field is required", name))
		}
		switch r.Check {
		case core.CheckNotNull, core.CheckUnique:
		case core.CheckRange:
			if r.Min == nil && r.Max == nil {
				errs = append(errs, fmt.Errorf("rule %s: range needs min or max", name))
			}
		case core.CheckPattern:
			if _, err := regexp.Compile(r.Pattern); err != nil || r.Pattern == "" {
				errs = append(errs, fmt.Errorf("rule %s: invalid pattern %q", name, r.Pattern))
			}
		case core.CheckOneOf:
			if len(r.Values) == 0 {
				errs = append(errs, fmt.Errorf("rule %s: one_of needs values", name))
			}
		case core.CheckReferential:
			if r.Set != SetCounties && r.Set != SetStates {
				errs = append(errs, fmt.Errorf("rule %s: unknown reference set %q", name, r.Set))
			}
		default:
			errs = append(errs, fmt.Errorf("rule %s: unknown check %q", name, r.Check))
		}
	}
	return errs
}

func (p *Pipeline) validateEnrich() []error {
	var errs []error
	primary, ok := p.PrimaryDataset()
	if !ok {
		if p.Enrich.Primary != "" {
			errs = append(errs, fmt.Errorf("enrich.primary: unknown dataset %q", p.Enrich.Primary))
		}
		return errs
	}

	owner := make(map[string]string)
	for _, m := range primary.OutputMetrics() {
		owner[m] = primary.Name
	}
	for _, ref := range p.References() {
		ds, ok := p.Dataset(ref.Dataset)
		if !ok {
			errs = append(errs, fmt.Errorf("enrich: unknown reference dataset %q", ref.Dataset))
			continue
		}
		if ds.Name == primary.Name {
			errs = append(errs, fmt.Errorf("enrich: dataset %s cannot reference itself", ds.Name))
			continue
		}
		if err := artifact.CheckSourceName(ds.Name); err != nil {
			errs = append(errs, fmt.Errorf("enrich: %w", err))
		}
		available := make(map[string]bool)
		for _, m := range ds.OutputMetrics() {
			available[m] = true
		}
		metrics := ref.Metrics
		if len(metrics) == 0 {
			metrics = ds.OutputMetrics()
		}
		for _, m := range metrics {
			if !available[m] {
				errs = append(errs, fmt.Errorf("enrich %s: unknown metric %q", ds.Name, m))
				continue
			}
			if prev, dup := owner[m]; dup {
				errs = append(errs, fmt.Errorf("enrich %s: metric %q collides with dataset %s", ds.Name, m, prev))
				continue
			}
			owner[m] = ds.Name
		}
		for m, f := range ref.Rollup {
			if _, err := core.ParseAggFunc(string(f)); err != nil {
				errs = append(errs, fmt.Errorf("enrich %s rollup %s: %w", ds.Name, m, err))
			}
			if f == core.AggWeightedMean {
				errs = append(errs, fmt.Errorf("enrich %s rollup %s: weighted_mean is not supported", ds.Name, m))
			}
		}
	}
	for _, fp := range p.Enrich.FillPolicies {
		if _, err := core.ParseFillPolicy(string(fp)); err != nil {
			errs = append(errs, fmt.Errorf("enrich.fill_policies: %w", err))
		}
	}
	if p.Enrich.MaxCarryPeriods < 0 {
		errs = append(errs, fmt.Errorf("enrich.max_carry_periods must not be negative"))
	}
	return errs
}

func (p *Pipeline) validateAggregate() []error {
	var errs []error
	for _, g := range p.Aggregate.GroupBy {
		if g != GroupGeo && g != GroupPeriod {
			errs = append(errs, fmt.Errorf("aggregate.group_by: unknown key %q", g))
		}
	}
	switch p.Aggregate.PeriodGrain {
	case "", GrainMonth, GrainYear:
	default:
		errs = append(errs, fmt.Errorf("aggregate.period_grain: unknown grain %q", p.Aggregate.PeriodGrain))
	}
	switch p.Aggregate.GeoGrain {
	case "", GrainCounty, GrainState:
	default:
		errs = append(errs, fmt.Errorf("aggregate.geo_grain: unknown grain %q", p.Aggregate.GeoGrain))
	}

	available := make(map[string]bool)
	if primary, ok := p.PrimaryDataset(); ok {
		for _, m := range primary.OutputMetrics() {
			available[m] = true
		}
	}
	for _, ref := range p.References() {
		if ds, ok := p.Dataset(ref.Dataset); ok {
			metrics := ref.Metrics
			if len(metrics) == 0 {
				metrics = ds.OutputMetrics()
			}
			for _, m := range metrics {
				available[m] = true
			}
		}
	}
	names := make(map[string]bool)
	for _, agg := range p.Aggregate.Metrics {
		if names[agg.Name] {
			errs = append(errs, fmt.Errorf("aggregate: duplicate metric %q", agg.Name))
		}
		names[agg.Name] = true
		errs = append(errs, checkAggregation("aggregate", agg, available)...)
	}
	return errs
}

// sortErrors orders errors by message so map iteration does not leak into
// the report.
func sortErrors(errs []error) {
	sort.SliceStable(errs, func(i, j int) bool {
		return errs[i].Error() < errs[j].Error()
	})
}
