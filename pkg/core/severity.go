package core

import (
	"fmt"
	"strings"
)

// =============================================================================
// Severity
// =============================================================================

// Severity indicates how a validation violation affects its record.
type Severity int

// Severity levels for validation rules.
const (
	// SeverityFatal excludes the record from the stage output.
	SeverityFatal Severity = iota
	// SeverityWarn keeps the record but reports the violation.
	SeverityWarn
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityFatal:
		return "fatal"
	case SeverityWarn:
		return "warn"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a string to a Severity value.
// Returns the severity and true if valid, or SeverityFatal and false if invalid.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fatal", "error":
		return SeverityFatal, true
	case "warn", "warning":
		return SeverityWarn, true
	default:
		return SeverityFatal, false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	parsed, ok := ParseSeverity(string(b))
	if !ok {
		return fmt.Errorf("unknown severity %q (want fatal or warn)", string(b))
	}
	*s = parsed
	return nil
}

// =============================================================================
// ValidationRule
// =============================================================================

// Rule checks.
const (
	CheckNotNull     = "not_null"
	CheckRange       = "range"
	CheckPattern     = "pattern"
	CheckOneOf       = "one_of"
	CheckReferential = "referential"
	CheckUnique      = "unique"
)

// ValidationRule declares a field, a predicate and a severity. Rules are
// defined statically per stage and never mutated at runtime.
type ValidationRule struct {
	ID       string   `koanf:"id" json:"id"`
	Field    string   `koanf:"field" json:"field"`
	Check    string   `koanf:"check" json:"check"`
	Severity Severity `koanf:"severity" json:"severity"`

	// Datasets restricts the rule to the named datasets (empty means all).
	Datasets []string `koanf:"datasets" json:"datasets,omitempty"`

	Min     *float64 `koanf:"min" json:"min,omitempty"`
	Max     *float64 `koanf:"max" json:"max,omitempty"`
	Pattern string   `koanf:"pattern" json:"pattern,omitempty"`
	Values  []string `koanf:"values" json:"values,omitempty"`
	// Set names the reference set for referential checks.
	Set string `koanf:"set" json:"set,omitempty"`
}

// AppliesTo reports whether the rule covers the dataset.
func (r ValidationRule) AppliesTo(dataset string) bool {
	if len(r.Datasets) == 0 {
		return true
	}
	for _, d := range r.Datasets {
		if d == dataset {
			return true
		}
	}
	return false
}

// Violation is one rule failure on one record.
type Violation struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Field    string   `json:"field"`
	Dataset  string   `json:"dataset,omitempty"`
	RowRef   string   `json:"row_ref"`
	// Index is the record's position in the validated batch.
	Index   int    `json:"index"`
	Message string `json:"message"`
}
