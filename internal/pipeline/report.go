package pipeline

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/nth190/liheap-data-engineering/internal/enrich"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// StageReport is the machine-readable summary written as report.json.
type StageReport struct {
	Stage    string            `json:"stage"`
	Datasets []DatasetReport   `json:"datasets,omitempty"`
	Coverage []enrich.Coverage `json:"coverage,omitempty"`
	// Issues lists every rejected, quarantined or flagged record.
	Issues []Issue `json:"issues"`
}

// DatasetReport counts what a stage did to one dataset.
type DatasetReport struct {
	Dataset      string         `json:"dataset"`
	RowsIn       int            `json:"rows_in"`
	RowsOut      int            `json:"rows_out"`
	Rejected     int            `json:"rejected,omitempty"`
	Quarantined  int            `json:"quarantined,omitempty"`
	Dropped      int            `json:"dropped_duplicates,omitempty"`
	Consolidated int            `json:"consolidated_keys,omitempty"`
	Shadowed     int            `json:"shadowed_broadcasts,omitempty"`
	FatalRows    int            `json:"fatal_rows,omitempty"`
	WarnRows     int            `json:"warn_rows,omitempty"`
	Reasons      map[string]int `json:"reasons,omitempty"`
}

// Issue is one record-level finding.
type Issue struct {
	Dataset  string `json:"dataset,omitempty"`
	RowRef   string `json:"row_ref"`
	Class    string `json:"class"`
	Reason   string `json:"reason,omitempty"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message"`
}

func rejectionIssues(rejected []core.Rejection) ([]Issue, map[string]int) {
	issues := make([]Issue, 0, len(rejected))
	reasons := make(map[string]int)
	for _, r := range rejected {
		reason := reasonOf(r.Err)
		reasons[reason]++
		issues = append(issues, Issue{
			Dataset: r.Dataset,
			RowRef:  r.Ref,
			Class:   core.ErrorClass(r.Err),
			Reason:  reason,
			Message: r.Err.Error(),
		})
	}
	return issues, reasons
}

func reasonOf(err error) string {
	var schemaErr *core.SchemaError
	var keyErr *core.KeyResolutionError
	switch {
	case errors.As(err, &schemaErr):
		return schemaErr.Reason
	case errors.As(err, &keyErr):
		return keyErr.Reason
	default:
		return "duplicate_row"
	}
}

func violationIssues(violations []core.Violation) ([]Issue, map[string]int) {
	issues := make([]Issue, 0, len(violations))
	rules := make(map[string]int)
	for _, v := range violations {
		rules[v.RuleID]++
		issues = append(issues, Issue{
			Dataset:  v.Dataset,
			RowRef:   v.RowRef,
			Class:    "Violation",
			Reason:   v.RuleID,
			Severity: v.Severity.String(),
			Message:  v.Message,
		})
	}
	return issues, rules
}

// FailureReport is the abort report of a failed stage.
type FailureReport struct {
	Stage        string   `json:"stage"`
	RunID        string   `json:"run_id"`
	ErrorClass   string   `json:"error_class"`
	Error        string   `json:"error"`
	AffectedRows int      `json:"affected_rows"`
	TotalRows    int      `json:"total_rows"`
	SampleRefs   []string `json:"sample_refs"`
}

func newFailureReport(runID string, err *core.StageError) FailureReport {
	return FailureReport{
		Stage:        err.Stage,
		RunID:        runID,
		ErrorClass:   core.ErrorClass(err),
		Error:        err.Err.Error(),
		AffectedRows: err.Affected,
		TotalRows:    err.Total,
		SampleRefs:   append([]string{}, err.Samples...),
	}
}

func failurePath(outputDir, stage string) string {
	return filepath.Join(outputDir, FailuresDir, stage+".json")
}

// writeFailure writes the abort report with a temp file and rename.
func writeFailure(outputDir string, report FailureReport) error {
	path := failurePath(outputDir, report.Stage)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return core.WrapIO("mkdir", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return core.WrapIO("write", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return core.WrapIO("rename", tmp, err)
	}
	return nil
}

// ReadFailure loads the abort report of a stage.
func ReadFailure(outputDir, stage string) (*FailureReport, error) {
	path := failurePath(outputDir, stage)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.WrapIO("read", path, err)
	}
	var r FailureReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, core.WrapIO("parse", path, err)
	}
	return &r, nil
}

func clearFailure(outputDir, stage string) {
	_ = os.Remove(failurePath(outputDir, stage))
}
