package core

import (
	"fmt"
	"strings"
)

// AggFunc names an aggregation function over a metric.
type AggFunc string

// Aggregation functions.
const (
	AggSum          AggFunc = "sum"
	AggMean         AggFunc = "mean"
	AggCount        AggFunc = "count"
	AggWeightedMean AggFunc = "weighted_mean"
	AggMin          AggFunc = "min"
	AggMax          AggFunc = "max"
)

// ParseAggFunc converts a string to an AggFunc.
func ParseAggFunc(s string) (AggFunc, error) {
	switch f := AggFunc(strings.ToLower(strings.TrimSpace(s))); f {
	case AggSum, AggMean, AggCount, AggWeightedMean, AggMin, AggMax:
		return f, nil
	case "avg", "average":
		return AggMean, nil
	default:
		return "", fmt.Errorf("unknown aggregation function %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *AggFunc) UnmarshalText(b []byte) error {
	parsed, err := ParseAggFunc(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// MetricAggregation declares one output metric computed from a source metric.
type MetricAggregation struct {
	// Name is the output metric name.
	Name string `koanf:"name" json:"name"`
	// Source is the input metric; defaults to Name.
	Source string  `koanf:"source" json:"source,omitempty"`
	Func   AggFunc `koanf:"func" json:"func"`
	// Weight names the weight metric for weighted_mean.
	Weight string `koanf:"weight" json:"weight,omitempty"`
}

// SourceMetric returns the metric the aggregation reads.
func (m MetricAggregation) SourceMetric() string {
	if m.Source != "" {
		return m.Source
	}
	return m.Name
}

// FillPolicy names an enrichment fill strategy for missing reference keys.
type FillPolicy string

// Fill policies, applied in configured priority order.
const (
	FillCarryForward   FillPolicy = "carry_forward"
	FillStateAggregate FillPolicy = "state_aggregate"
)

// DefaultFillPolicies is the fill order used when none is configured.
var DefaultFillPolicies = []FillPolicy{FillCarryForward, FillStateAggregate}

// ParseFillPolicy converts a string to a FillPolicy.
func ParseFillPolicy(s string) (FillPolicy, error) {
	switch p := FillPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case FillCarryForward, FillStateAggregate:
		return p, nil
	default:
		return "", fmt.Errorf("unknown fill policy %q (want carry_forward or state_aggregate)", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *FillPolicy) UnmarshalText(b []byte) error {
	parsed, err := ParseFillPolicy(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
