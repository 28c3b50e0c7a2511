package output

// RunOutput is the JSON output of the run command.
type RunOutput struct {
	RunID   string         `json:"run_id"`
	Status  string         `json:"status"`
	Stages  []StageOutcome `json:"stages"`
	TotalMS int64          `json:"total_ms"`
	Failure *FailureOutput `json:"failure,omitempty"`
}

// StageOutcome is one stage of a run.
type StageOutcome struct {
	Stage       string `json:"stage"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	RowsIn      int    `json:"rows_in"`
	RowsOut     int    `json:"rows_out"`
	RowsSide    int    `json:"rows_side"`
	Fingerprint string `json:"fingerprint,omitempty"`
	ExecutionMS int64  `json:"execution_ms"`
	Error       string `json:"error,omitempty"`
}

// FailureOutput is the abort report of a failed stage.
type FailureOutput struct {
	Stage        string   `json:"stage"`
	ErrorClass   string   `json:"error_class"`
	Error        string   `json:"error"`
	AffectedRows int      `json:"affected_rows"`
	TotalRows    int      `json:"total_rows"`
	SampleRefs   []string `json:"sample_refs"`
}

// StatusOutput is the JSON output of the status command.
type StatusOutput struct {
	Runs []RunSummary `json:"runs"`
}

// RunSummary describes one recorded run.
type RunSummary struct {
	ID          string         `json:"id"`
	Command     string         `json:"command"`
	Status      string         `json:"status"`
	StartedAt   string         `json:"started_at"`
	CompletedAt string         `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Stages      []StageOutcome `json:"stages"`
}

// StagesOutput is the JSON output of the stages command.
type StagesOutput struct {
	Stages []StageState `json:"stages"`
}

// StageState describes a stage and its committed artifact.
type StageState struct {
	Name        string         `json:"name"`
	DependsOn   []string       `json:"depends_on"`
	Artifact    string         `json:"artifact"`
	Problem     string         `json:"problem,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Files       []ArtifactFile `json:"files,omitempty"`
	LastRun     *StageOutcome  `json:"last_run,omitempty"`
	Failure     *FailureOutput `json:"failure,omitempty"`
}

// ArtifactFile is one hashed output of a stage.
type ArtifactFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Rows   int    `json:"rows"`
}

// ExportOutput is the JSON output of the export command.
type ExportOutput struct {
	Target string        `json:"target"`
	Tables []TableOutput `json:"tables"`
}

// TableOutput is one exported table.
type TableOutput struct {
	Table   string `json:"table"`
	Source  string `json:"source"`
	Rows    int    `json:"rows"`
	Parquet string `json:"parquet,omitempty"`
}

// DoctorOutput is the JSON output of the doctor command.
type DoctorOutput struct {
	Checks []Check `json:"checks"`
	Passed int     `json:"passed"`
	Failed int     `json:"failed"`
}

// Check is one health check result.
type Check struct {
	Group  string `json:"group"`
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "warn", "error"
	Detail string `json:"detail,omitempty"`
}
