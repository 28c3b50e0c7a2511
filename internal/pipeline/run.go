package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nth190/liheap-data-engineering/internal/artifact"
	"github.com/nth190/liheap-data-engineering/internal/resolve"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Skip reasons.
const (
	ReasonUpToDate       = "up_to_date"
	ReasonUpstreamFailed = "upstream_failed"
)

// ErrUpstreamStale reports a committed upstream artifact that no longer
// matches its own inputs or configuration.
var ErrUpstreamStale = errors.New("upstream artifact is stale")

// RunOptions selects what a run executes.
type RunOptions struct {
	// Stages limits the run to the named stages; empty runs all of them.
	// Unselected upstream stages must have a committed artifact.
	Stages []string
	// Force re-runs stages even when their fingerprint is unchanged.
	Force bool
	// Command is recorded with the run history.
	Command string
}

// StageResult is the outcome of one stage in a run.
type StageResult struct {
	Stage       string
	Status      core.StageStatus
	Reason      string
	RowsIn      int
	RowsOut     int
	RowsSide    int
	Fingerprint string
	Duration    time.Duration
	Err         error
}

// RunResult is the outcome of a run.
type RunResult struct {
	Run    *core.Run
	Stages []StageResult
}

// Err returns the first stage failure, or nil.
func (r *RunResult) Err() error {
	for _, s := range r.Stages {
		if s.Err != nil {
			return s.Err
		}
	}
	return nil
}

// Stage returns the result of the named stage.
func (r *RunResult) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// run holds the state shared by the stages of one execution.
type run struct {
	id        string
	opts      RunOptions
	committed map[string]*artifact.Manifest
	// blocked maps a stage to the failed upstream stage that stops it.
	blocked   map[string]string
	crosswalk *resolve.Crosswalk
	raw       []artifact.FileHash
}

// Run executes the selected stages in dependency order. A failed stage stops
// its downstream stages; its abort report is written under FailuresDir. The
// returned error is the first stage failure or the context error.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	selected, err := e.selectStages(opts.Stages)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return nil, core.WrapIO("mkdir", e.outputDir, err)
	}
	if err := artifact.CleanStaging(e.outputDir); err != nil {
		return nil, err
	}

	command := opts.Command
	if command == "" {
		command = "run"
	}
	rec, err := e.store.CreateRun(command)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	e.logger.Info("starting run", slog.String("run_id", rec.ID), slog.Int("stages", len(selected)))

	r := &run{
		id:        rec.ID,
		opts:      opts,
		committed: make(map[string]*artifact.Manifest),
		blocked:   make(map[string]string),
	}
	result := &RunResult{}

	order, err := e.graph.TopologicalSort()
	if err != nil {
		return nil, err
	}
	for _, node := range order {
		if !selected[node.ID] {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		res := e.runStage(ctx, r, node.Value)
		if res.Status == core.StageFailed {
			for _, d := range e.graph.Downstream(node.ID) {
				if _, ok := r.blocked[d]; !ok {
					r.blocked[d] = node.ID
				}
			}
		}
		result.Stages = append(result.Stages, res)
	}

	status := core.RunStatusCompleted
	runErr := result.Err()
	errMsg := ""
	switch {
	case ctx.Err() != nil:
		status = core.RunStatusCancelled
		runErr = ctx.Err()
		errMsg = runErr.Error()
	case runErr != nil:
		status = core.RunStatusFailed
		errMsg = runErr.Error()
	}
	if err := e.store.CompleteRun(rec.ID, status, errMsg); err != nil {
		e.logger.Warn("failed to complete run", slog.String("run_id", rec.ID), slog.String("error", err.Error()))
	}
	if result.Run, err = e.store.GetRun(rec.ID); err != nil {
		result.Run = rec
	}

	e.logger.Info("run finished", slog.String("run_id", rec.ID), slog.String("status", string(status)))
	return result, runErr
}

func (e *Engine) selectStages(names []string) (map[string]bool, error) {
	selected := make(map[string]bool)
	if len(names) == 0 {
		for _, n := range StageNames() {
			selected[n] = true
		}
		return selected, nil
	}
	for _, n := range names {
		if _, ok := e.graph.Node(n); !ok {
			return nil, fmt.Errorf("unknown stage %q (want one of %s)", n, strings.Join(StageNames(), ", "))
		}
		selected[n] = true
	}
	return selected, nil
}

func (e *Engine) runStage(ctx context.Context, r *run, def *stageDef) StageResult {
	res := StageResult{Stage: def.name}
	logger := e.logger.With(slog.String("stage", def.name))
	start := time.Now()

	if p, ok := r.blocked[def.name]; ok {
		res.Status = core.StageSkipped
		res.Reason = ReasonUpstreamFailed
		e.recordSkip(r, res)
		logger.Warn("stage skipped", slog.String("reason", res.Reason), slog.String("upstream", p))
		return res
	}

	fail := func(err error) StageResult {
		se := asStageError(def.name, err)
		res.Status = core.StageFailed
		res.Err = se
		res.Duration = time.Since(start)
		if ctx.Err() == nil {
			if werr := writeFailure(e.outputDir, newFailureReport(r.id, se)); werr != nil {
				logger.Error("failed to write failure report", slog.String("error", werr.Error()))
			}
		}
		logger.Error("stage failed", slog.String("error", se.Error()), slog.String("class", core.ErrorClass(se)))
		return res
	}

	inputs, sc, err := e.stageInputs(r, def)
	if err != nil {
		e.recordFailed(r, res, err)
		return fail(err)
	}
	fp, err := fingerprint(def.name, def.section(e.cfg), inputs)
	if err != nil {
		e.recordFailed(r, res, err)
		return fail(err)
	}
	res.Fingerprint = fp

	dir := e.stageDir(def.name)
	if !r.opts.Force {
		if m, err := artifact.Verify(dir); err == nil && m.Fingerprint == fp {
			r.committed[def.name] = m
			res.Status = core.StageSkipped
			res.Reason = ReasonUpToDate
			e.recordSkip(r, res)
			clearFailure(e.outputDir, def.name)
			logger.Info("stage up to date", slog.String("fingerprint", fp[:12]))
			return res
		}
	}

	sr := &core.StageRun{RunID: r.id, Stage: def.name, Status: core.StageRunning, Fingerprint: fp}
	if err := e.store.RecordStageRun(sr); err != nil {
		logger.Warn("failed to record stage run", slog.String("error", err.Error()))
	}
	finish := func(res StageResult) {
		u := core.StageRunUpdate{
			Status:      res.Status,
			Reason:      res.Reason,
			Fingerprint: res.Fingerprint,
			RowsIn:      res.RowsIn,
			RowsOut:     res.RowsOut,
			RowsSide:    res.RowsSide,
		}
		if res.Err != nil {
			u.Error = res.Err.Error()
			u.ErrorClass = core.ErrorClass(res.Err)
		}
		if err := e.store.UpdateStageRun(sr.ID, u); err != nil {
			logger.Warn("failed to update stage run", slog.String("error", err.Error()))
		}
	}

	logger.Info("running stage")
	sc.staging, err = artifact.Begin(e.outputDir, def.name)
	if err != nil {
		res = fail(err)
		finish(res)
		return res
	}
	out, err := def.run(ctx, e, sc)
	if err != nil {
		_ = sc.staging.Abort()
		res = fail(err)
		finish(res)
		return res
	}
	m, err := sc.staging.Commit(ctx, fp, inputs)
	if err != nil {
		res = fail(err)
		finish(res)
		return res
	}

	r.committed[def.name] = m
	clearFailure(e.outputDir, def.name)
	if def.needsRaw {
		e.recordRawHashes(r.raw)
	}

	res.Status = core.StageSucceeded
	res.RowsIn, res.RowsOut, res.RowsSide = out.rowsIn, out.rowsOut, out.rowsSide
	res.Duration = time.Since(start)
	finish(res)
	logger.Info("stage completed",
		slog.Int("rows_in", res.RowsIn),
		slog.Int("rows_out", res.RowsOut),
		slog.Int("rows_side", res.RowsSide),
		slog.Duration("duration", res.Duration))
	return res
}

// stageInputs collects the hashed inputs of a stage: committed upstream
// outputs, raw files and the crosswalk.
func (e *Engine) stageInputs(r *run, def *stageDef) ([]artifact.FileHash, *stageContext, error) {
	upstream := make(map[string]*artifact.Manifest)
	for _, p := range e.graph.Parents(def.name) {
		m, err := e.upstreamArtifact(r, p)
		if err != nil {
			return nil, nil, err
		}
		upstream[p] = m
	}
	inputs := upstreamInputs(upstream)

	if def.needsRaw {
		if r.raw == nil {
			raw, err := rawInputs(e.inputDir, e.cfg)
			if err != nil {
				return nil, nil, err
			}
			r.raw = raw
			e.logRawChanges(raw)
		}
		inputs = append(inputs, r.raw...)
	}

	sc := &stageContext{}
	if def.needsCrosswalk {
		if r.crosswalk == nil {
			cw, err := resolve.LoadCrosswalk(e.inputDir, e.cfg.Crosswalk)
			if err != nil {
				return nil, nil, err
			}
			r.crosswalk = cw
		}
		sc.crosswalk = r.crosswalk
		inputs = append(inputs, crosswalkInput(e.cfg, r.crosswalk.SHA256))
	}
	return inputs, sc, nil
}

// upstreamArtifact returns the committed artifact of stage name. An artifact
// not produced or checked earlier in this run must verify, and its
// fingerprint must equal the one its current inputs and configuration give.
// The check recurses through the stage's own upstream.
func (e *Engine) upstreamArtifact(r *run, name string) (*artifact.Manifest, error) {
	if m, ok := r.committed[name]; ok {
		return m, nil
	}
	dir := e.stageDir(name)
	m, err := artifact.Verify(dir)
	if err != nil {
		return nil, core.WrapIO("verify", dir, fmt.Errorf("upstream stage %s has no valid artifact: %w", name, err))
	}
	node, ok := e.graph.Node(name)
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", name)
	}
	inputs, _, err := e.stageInputs(r, node.Value)
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint(name, node.Value.section(e.cfg), inputs)
	if err != nil {
		return nil, err
	}
	if fp != m.Fingerprint {
		return nil, core.WrapIO("verify", dir, fmt.Errorf("%w: stage %s was built from different inputs or configuration; run it again", ErrUpstreamStale, name))
	}
	r.committed[name] = m
	return m, nil
}

func rawDataset(p string) string {
	parts := strings.SplitN(p, "/", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

// logRawChanges reports raw files whose content differs from the last
// successful normalize.
func (e *Engine) logRawChanges(raw []artifact.FileHash) {
	for _, f := range raw {
		prev, err := e.store.GetContentHash(f.Path)
		if err != nil {
			e.logger.Warn("failed to read content hash", slog.String("path", f.Path), slog.String("error", err.Error()))
			continue
		}
		switch {
		case prev == "":
			e.logger.Debug("new raw input", slog.String("path", f.Path))
		case prev != f.SHA256:
			e.logger.Info("raw input changed", slog.String("path", f.Path))
		}
	}
}

func (e *Engine) recordRawHashes(raw []artifact.FileHash) {
	for _, f := range raw {
		if err := e.store.SetContentHash(f.Path, f.SHA256, rawDataset(f.Path)); err != nil {
			e.logger.Warn("failed to store content hash", slog.String("path", f.Path), slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) recordSkip(r *run, res StageResult) {
	sr := &core.StageRun{RunID: r.id, Stage: res.Stage, Status: core.StageSkipped, Reason: res.Reason, Fingerprint: res.Fingerprint}
	if err := e.store.RecordStageRun(sr); err != nil {
		e.logger.Warn("failed to record stage run", slog.String("stage", res.Stage), slog.String("error", err.Error()))
		return
	}
	_ = e.store.UpdateStageRun(sr.ID, core.StageRunUpdate{Status: core.StageSkipped, Reason: res.Reason, Fingerprint: res.Fingerprint})
}

func (e *Engine) recordFailed(r *run, res StageResult, err error) {
	sr := &core.StageRun{
		RunID:      r.id,
		Stage:      res.Stage,
		Status:     core.StageFailed,
		Error:      err.Error(),
		ErrorClass: core.ErrorClass(err),
	}
	if err := e.store.RecordStageRun(sr); err != nil {
		e.logger.Warn("failed to record stage run", slog.String("stage", res.Stage), slog.String("error", err.Error()))
		return
	}
	_ = e.store.UpdateStageRun(sr.ID, core.StageRunUpdate{Status: core.StageFailed, Error: sr.Error, ErrorClass: sr.ErrorClass})
}

// asStageError attaches the stage name to err.
func asStageError(stage string, err error) *core.StageError {
	var se *core.StageError
	if errors.As(err, &se) {
		if se.Stage == "" {
			se.Stage = stage
		}
		return se
	}
	return &core.StageError{Stage: stage, Err: err}
}
