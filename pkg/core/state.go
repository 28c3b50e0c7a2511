package core

import "time"

// Store defines the interface for run-state operations.
type Store interface {
	Open(path string) error
	Close() error
	InitSchema() error

	// Run operations
	CreateRun(command string) (*Run, error)
	GetRun(id string) (*Run, error)
	CompleteRun(id string, status RunStatus, errMsg string) error
	GetLatestRun() (*Run, error)
	ListRuns(limit int) ([]*Run, error)

	// Stage run operations
	RecordStageRun(stageRun *StageRun) error
	UpdateStageRun(id string, update StageRunUpdate) error
	GetStageRunsForRun(runID string) ([]*StageRun, error)
	GetLatestStageRun(stage string) (*StageRun, error)

	// Input hash tracking
	GetContentHash(filePath string) (string, error)
	SetContentHash(filePath, hash, dataset string) error
}

// RunStatus represents the status of a pipeline run.
type RunStatus string

// Run status constants.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run represents a pipeline execution session.
type Run struct {
	ID          string
	Command     string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// StageStatus represents the state of a stage within a run.
type StageStatus string

// Stage status constants.
const (
	StageIdle      StageStatus = "idle"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Terminal reports whether the status is final for a run.
func (s StageStatus) Terminal() bool {
	return s == StageSucceeded || s == StageFailed || s == StageSkipped
}

// StageRun represents a single execution of a stage within a run.
type StageRun struct {
	ID          string
	RunID       string
	Stage       string
	Status      StageStatus
	Fingerprint string
	// Reason explains a skip ("up_to_date", "upstream_failed").
	Reason      string
	RowsIn      int
	RowsOut     int
	RowsSide    int
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
	ErrorClass  string
	ExecutionMS int64
}

// StageRunUpdate carries the final fields of a stage run.
type StageRunUpdate struct {
	Status      StageStatus
	Reason      string
	Fingerprint string
	RowsIn      int
	RowsOut     int
	RowsSide    int
	Error       string
	ErrorClass  string
}
