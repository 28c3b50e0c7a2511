package state

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nth190/liheap-data-engineering/pkg/core"
)

const stageRunColumns = `id, run_id, stage, status, fingerprint, reason, rows_in, rows_out,
	rows_side, started_at, completed_at, error, error_class, execution_ms`

// RecordStageRun inserts a stage run. ID and StartedAt are filled when empty.
func (s *SQLiteStore) RecordStageRun(sr *core.StageRun) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	if sr.ID == "" {
		sr.ID = generateID()
	}
	if sr.StartedAt.IsZero() {
		sr.StartedAt = time.Now().UTC()
	}

	s.logger.Debug("recording stage run",
		slog.String("run_id", sr.RunID),
		slog.String("stage", sr.Stage),
		slog.String("status", string(sr.Status)))

	_, err := s.db.ExecContext(ctx(),
		`INSERT INTO stage_runs (id, run_id, stage, status, fingerprint, reason, rows_in, rows_out,
			rows_side, started_at, error, error_class)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.RunID, sr.Stage, string(sr.Status), sr.Fingerprint, sr.Reason,
		sr.RowsIn, sr.RowsOut, sr.RowsSide, sr.StartedAt,
		nullString(sr.Error), nullString(sr.ErrorClass),
	)
	if err != nil {
		return fmt.Errorf("failed to record stage run: %w", err)
	}
	return nil
}

// UpdateStageRun stores the final state of a stage run and its duration.
func (s *SQLiteStore) UpdateStageRun(id string, u core.StageRunUpdate) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	var startedAt time.Time
	err := s.db.QueryRowContext(ctx(), `SELECT started_at FROM stage_runs WHERE id = ?`, id).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("stage run not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to get stage run: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx(),
		`UPDATE stage_runs SET status = ?, reason = ?, fingerprint = ?, rows_in = ?, rows_out = ?,
			rows_side = ?, completed_at = ?, error = ?, error_class = ?, execution_ms = ?
		WHERE id = ?`,
		string(u.Status), u.Reason, u.Fingerprint, u.RowsIn, u.RowsOut, u.RowsSide, now,
		nullString(u.Error), nullString(u.ErrorClass), now.Sub(startedAt).Milliseconds(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update stage run: %w", err)
	}
	return nil
}

// GetStageRunsForRun retrieves all stage runs of a run in start order.
func (s *SQLiteStore) GetStageRunsForRun(runID string) ([]*core.StageRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.QueryContext(ctx(),
		`SELECT `+stageRunColumns+` FROM stage_runs WHERE run_id = ? ORDER BY started_at, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get stage runs: %w", err)
	}
	defer rows.Close()

	var out []*core.StageRun
	for rows.Next() {
		sr, err := scanStageRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage run: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// GetLatestStageRun retrieves the most recent run of a stage, or nil.
func (s *SQLiteStore) GetLatestStageRun(stage string) (*core.StageRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	row := s.db.QueryRowContext(ctx(),
		`SELECT `+stageRunColumns+` FROM stage_runs WHERE stage = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1`, stage)
	sr, err := scanStageRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest stage run: %w", err)
	}
	return sr, nil
}

func scanStageRun(row scanner) (*core.StageRun, error) {
	sr := &core.StageRun{}
	var status string
	var completedAt sql.NullTime
	var errMsg, errClass sql.NullString

	err := row.Scan(&sr.ID, &sr.RunID, &sr.Stage, &status, &sr.Fingerprint, &sr.Reason,
		&sr.RowsIn, &sr.RowsOut, &sr.RowsSide, &sr.StartedAt, &completedAt,
		&errMsg, &errClass, &sr.ExecutionMS)
	if err != nil {
		return nil, err
	}
	sr.Status = core.StageStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		sr.CompletedAt = &t
	}
	sr.Error = errMsg.String
	sr.ErrorClass = errClass.String
	return sr, nil
}
