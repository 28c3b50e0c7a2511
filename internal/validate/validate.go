// Package validate applies declarative data-quality rules to a batch of
// records of any stage.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/nth190/liheap-data-engineering/internal/worker"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Record is any stage output that exposes fields by name.
type Record interface {
	Lookup(field string) (any, bool)
	Ref() string
}

// Sets holds named reference sets for referential rules.
type Sets map[string]map[string]bool

// NewSet builds a reference set from values.
func NewSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// Options configures a validation pass.
type Options struct {
	Workers int
	Sets    Sets
	Logger  *slog.Logger
}

// Report lists every violation of a pass in input order, then rule order.
type Report struct {
	Violations []core.Violation `json:"violations"`
	Total      int              `json:"total_rows"`
	FatalRows  int              `json:"fatal_rows"`
	WarnRows   int              `json:"warn_rows"`
}

// FatalRatio returns the share of rows with at least one fatal violation.
func (r *Report) FatalRatio() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.FatalRows) / float64(r.Total)
}

// CheckThreshold returns a ValidationFatalError when the fatal ratio exceeds
// max.
func (r *Report) CheckThreshold(stage string, max float64) error {
	if r.FatalRatio() > max {
		return &core.ValidationFatalError{
			Stage:     stage,
			FatalRows: r.FatalRows,
			TotalRows: r.Total,
			Threshold: max,
		}
	}
	return nil
}

type compiled struct {
	rule    core.ValidationRule
	pattern *regexp.Regexp
	values  map[string]bool
}

// Validate evaluates rules against records. Records with a fatal violation
// are excluded from the accepted output; warn violations are reported only.
// Records are never modified.
func Validate[R Record](ctx context.Context, records []R, rules []core.ValidationRule, opts Options) (core.Result[R], *Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	checks := make([]compiled, len(rules))
	for i, rule := range rules {
		checks[i] = compiled{rule: rule}
		switch rule.Check {
		case core.CheckPattern:
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return core.Result[R]{}, nil, fmt.Errorf("rule %s: %w", rule.ID, err)
			}
			checks[i].pattern = re
		case core.CheckOneOf:
			checks[i].values = NewSet(rule.Values)
		case core.CheckReferential:
			set, ok := opts.Sets[rule.Set]
			if !ok {
				return core.Result[R]{}, nil, fmt.Errorf("rule %s: unknown reference set %q", rule.ID, rule.Set)
			}
			checks[i].values = set
		}
	}

	duplicates := findDuplicates(records, checks)

	perRow, err := worker.Map(ctx, opts.Workers, records, func(_ context.Context, i int, rec R) ([]core.Violation, error) {
		var out []core.Violation
		dataset := datasetOf(rec)
		for ci, c := range checks {
			if !c.rule.AppliesTo(dataset) {
				continue
			}
			var msg string
			if c.rule.Check == core.CheckUnique {
				if first, dup := duplicates[ci][i]; dup {
					msg = fmt.Sprintf("duplicate of %s", first)
				}
			} else {
				msg = c.evaluate(rec)
			}
			if msg == "" {
				continue
			}
			out = append(out, core.Violation{
				RuleID:   c.rule.ID,
				Severity: c.rule.Severity,
				Field:    c.rule.Field,
				Dataset:  dataset,
				RowRef:   rec.Ref(),
				Index:    i,
				Message:  msg,
			})
		}
		return out, nil
	})
	if err != nil {
		return core.Result[R]{}, nil, err
	}

	report := &Report{Total: len(records)}
	var result core.Result[R]
	for i, violations := range perRow {
		report.Violations = append(report.Violations, violations...)
		var fatal []string
		warned := false
		for _, v := range violations {
			if v.Severity == core.SeverityFatal {
				fatal = append(fatal, v.RuleID)
			} else {
				warned = true
			}
		}
		if len(fatal) > 0 {
			report.FatalRows++
			result.Rejected = append(result.Rejected, core.Rejection{
				Dataset: datasetOf(records[i]),
				Ref:     records[i].Ref(),
				Index:   i,
				Err:     fmt.Errorf("%w: %s", core.ErrValidationFatal, strings.Join(fatal, ", ")),
			})
			continue
		}
		if warned {
			report.WarnRows++
		}
		result.Accepted = append(result.Accepted, records[i])
	}

	logger.Info("validated batch",
		"rows", report.Total,
		"rules", len(rules),
		"violations", len(report.Violations),
		"fatal_rows", report.FatalRows,
		"warn_rows", report.WarnRows)
	return result, report, nil
}

func datasetOf(rec Record) string {
	if v, ok := rec.Lookup("dataset"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// findDuplicates returns, per unique rule, the indices of records whose value
// already occurred earlier in the batch, mapped to the first occurrence.
// Null values are not compared.
func findDuplicates[R Record](records []R, checks []compiled) map[int]map[int]string {
	out := make(map[int]map[int]string)
	for ci, c := range checks {
		if c.rule.Check != core.CheckUnique {
			continue
		}
		first := make(map[string]string)
		dups := make(map[int]string)
		for i, rec := range records {
			if !c.rule.AppliesTo(datasetOf(rec)) {
				continue
			}
			v, ok := rec.Lookup(c.rule.Field)
			if !ok || v == nil {
				continue
			}
			key := datasetOf(rec) + "\x00" + text(v)
			if ref, seen := first[key]; seen {
				dups[i] = ref
				continue
			}
			first[key] = rec.Ref()
		}
		out[ci] = dups
	}
	return out
}

// evaluate returns a violation message, or "" when the record passes.
func (c compiled) evaluate(rec Record) string {
	r := c.rule
	v, ok := rec.Lookup(r.Field)
	if !ok {
		return fmt.Sprintf("field %q not present", r.Field)
	}
	if r.Check == core.CheckNotNull {
		if v == nil || text(v) == "" {
			return "value is null"
		}
		return ""
	}
	if v == nil {
		return ""
	}

	switch r.Check {
	case core.CheckRange:
		f, ok := v.(float64)
		if !ok {
			return fmt.Sprintf("value %q is not numeric", text(v))
		}
		if r.Min != nil && f < *r.Min {
			return fmt.Sprintf("value %s below minimum %s", text(f), text(*r.Min))
		}
		if r.Max != nil && f > *r.Max {
			return fmt.Sprintf("value %s above maximum %s", text(f), text(*r.Max))
		}
	case core.CheckPattern:
		if !c.pattern.MatchString(text(v)) {
			return fmt.Sprintf("value %q does not match %s", text(v), r.Pattern)
		}
	case core.CheckOneOf:
		if !c.values[text(v)] {
			return fmt.Sprintf("value %q not in allowed values", text(v))
		}
	case core.CheckReferential:
		if !c.values[text(v)] {
			return fmt.Sprintf("value %q not found in %s", text(v), r.Set)
		}
	}
	return ""
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
