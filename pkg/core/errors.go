package core

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes. Typed errors below match these with errors.Is.
var (
	ErrSchema          = errors.New("schema error")
	ErrKeyResolution   = errors.New("key resolution error")
	ErrValidationFatal = errors.New("validation fatal")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrIO              = errors.New("io error")
)

// SchemaError reports a raw row that does not fit its dataset schema.
type SchemaError struct {
	Dataset string
	Ref     string
	Column  string
	Value   string
	Reason  string
}

func (e *SchemaError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s: column %q value %q: %s", e.Ref, e.Column, e.Value, e.Reason)
	}
	return fmt.Sprintf("%s: column %q: %s", e.Ref, e.Column, e.Reason)
}

// Is implements errors.Is support.
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

// Reasons used by KeyResolutionError.
const (
	ReasonUnknownGeo  = "unknown_geo"
	ReasonBadPeriod   = "bad_period"
	ReasonOutOfWindow = "out_of_window"
)

// KeyResolutionError reports a row whose geography or period cannot be mapped
// onto the canonical key.
type KeyResolutionError struct {
	Dataset string
	Ref     string
	Field   string
	Value   string
	Reason  string
}

func (e *KeyResolutionError) Error() string {
	return fmt.Sprintf("%s: %s %q: %s", e.Ref, e.Field, e.Value, e.Reason)
}

// Is implements errors.Is support.
func (e *KeyResolutionError) Is(target error) bool {
	return target == ErrKeyResolution
}

// DuplicateKeyError reports more than one record for a join key in a dataset
// that must be unique per key.
type DuplicateKeyError struct {
	Dataset string
	Key     JoinKey
	Refs    []string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("dataset %s: duplicate key %s (rows %s)", e.Dataset, e.Key, strings.Join(e.Refs, ", "))
}

// Is implements errors.Is support.
func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}

// ValidationFatalError reports that fatal validation violations exceeded the
// stage threshold.
type ValidationFatalError struct {
	Stage     string
	FatalRows int
	TotalRows int
	Threshold float64
}

func (e *ValidationFatalError) Error() string {
	return fmt.Sprintf("stage %s: %d of %d rows failed fatal rules (threshold %.4g)",
		e.Stage, e.FatalRows, e.TotalRows, e.Threshold)
}

// Is implements errors.Is support.
func (e *ValidationFatalError) Is(target error) bool {
	return target == ErrValidationFatal
}

// IOError reports an artifact or input read/write failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support.
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// WrapIO wraps err as an IOError. A nil err returns nil.
func WrapIO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// StageError is the abort report of a failed stage.
type StageError struct {
	Stage    string
	Affected int
	Total    int
	// Samples holds the first offending row references.
	Samples []string
	Err     error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
	if e.Affected > 0 {
		msg += fmt.Sprintf(" (%d of %d rows affected)", e.Affected, e.Total)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrorClass returns the taxonomy name for err, or "" for unclassified errors.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIO):
		return "IOError"
	case errors.Is(err, ErrDuplicateKey):
		return "DuplicateKeyError"
	case errors.Is(err, ErrValidationFatal):
		return "ValidationFatal"
	case errors.Is(err, ErrKeyResolution):
		return "KeyResolutionError"
	case errors.Is(err, ErrSchema):
		return "SchemaError"
	default:
		return ""
	}
}

// SampleRefs returns up to n references from the rejections, in order.
func SampleRefs(rejected []Rejection, n int) []string {
	if n > len(rejected) {
		n = len(rejected)
	}
	refs := make([]string, 0, n)
	for _, r := range rejected[:n] {
		refs = append(refs, r.Ref)
	}
	return refs
}
