package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nth190/liheap-data-engineering/internal/artifact"
	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/internal/testutil"
	"github.com/nth190/liheap-data-engineering/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testdataDir = "../../testdata"

func loadConfig(t *testing.T) *config.Pipeline {
	t.Helper()
	p, err := config.LoadFile(filepath.Join(testdataDir, "liheap.yaml"))
	require.NoError(t, err)
	return p
}

func newEngine(t *testing.T, cfg *config.Pipeline, outputDir string) *Engine {
	t.Helper()
	e, err := New(Config{
		InputDir:  testdataDir,
		OutputDir: outputDir,
		Pipeline:  cfg,
		Logger:    testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func statuses(res *RunResult) map[string]core.StageStatus {
	out := make(map[string]core.StageStatus)
	for _, s := range res.Stages {
		out[s.Stage] = s.Status
	}
	return out
}

func readTable(t *testing.T, path string) artifact.Table {
	t.Helper()
	tbl, err := artifact.ReadTable(path)
	require.NoError(t, err)
	return tbl
}

func TestRun_EndToEnd(t *testing.T) {
	out := t.TempDir()
	e := newEngine(t, loadConfig(t), out)

	res, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Stages, 5)
	for _, s := range res.Stages {
		assert.Equal(t, core.StageSucceeded, s.Status, s.Stage)
		assert.NotEmpty(t, s.Fingerprint, s.Stage)
	}
	assert.Equal(t, core.RunStatusCompleted, res.Run.Status)

	// Normalize rejects the row with an empty pledge date.
	norm, _ := res.Stage(StageNormalize)
	assert.Equal(t, 16, norm.RowsIn)
	assert.Equal(t, 1, norm.RowsSide)
	assert.Len(t, readTable(t, filepath.Join(out, StageNormalize, RejectsFile)).Rows, 1)

	// Resolve quarantines the unknown zip, the out-of-window pledge and the
	// LAUS annual average, and drops the repeated pledge row.
	assert.Len(t, readTable(t, filepath.Join(out, StageResolve, QuarantineFile)).Rows, 3)
	assert.Len(t, readTable(t, filepath.Join(out, StageResolve, DroppedFile)).Rows, 1)

	enriched, err := artifact.DecodeEnriched(readTable(t, filepath.Join(out, StageEnrich, EnrichedFile)))
	require.NoError(t, err)
	require.Len(t, enriched, 3)
	byGeo := make(map[string]core.EnrichedRecord)
	for _, r := range enriched {
		byGeo[r.GeoID] = r
	}

	denver := byGeo["08031"]
	assert.Equal(t, core.MonthlyPeriod(2023, 1), denver.Period)
	assert.InDelta(t, 550, *denver.Metrics["pledge_amount"], 1e-9)
	assert.InDelta(t, 2, *denver.Metrics["pledge_count"], 1e-9)
	assert.Equal(t, core.MatchExact, denver.Matches["laus"].Kind)
	assert.InDelta(t, 3.5, *denver.Reference["unemployment_rate"], 1e-9)
	assert.Equal(t, core.MatchCarryForward, denver.Matches["acs"].Kind)
	assert.InDelta(t, 85000, *denver.Reference["median_income"], 1e-9)
	assert.True(t, denver.FillPolicyApplied)

	arapahoe := byGeo["08005"]
	assert.Equal(t, core.MatchCarryForward, arapahoe.Matches["laus"].Kind)
	assert.Equal(t, core.MonthlyPeriod(2023, 1), arapahoe.Matches["laus"].Period)
	assert.InDelta(t, 3.1, *arapahoe.Reference["unemployment_rate"], 1e-9)

	boulder := byGeo["08013"]
	assert.Equal(t, core.MatchStateAggregate, boulder.Matches["laus"].Kind)
	assert.InDelta(t, 3.4, *boulder.Reference["unemployment_rate"], 1e-9)
	assert.False(t, boulder.MissingEnrichment)

	aggregated, err := artifact.DecodeAggregated(readTable(t, filepath.Join(out, StageAggregate, AggregatedFile)))
	require.NoError(t, err)
	require.Len(t, aggregated, 3)
	totals := make(map[string]float64)
	for _, r := range aggregated {
		assert.Equal(t, core.AnnualPeriod(2023), r.Period)
		assert.Equal(t, 1, r.RecordCount)
		assert.Equal(t, 1, r.MonthsCovered)
		assert.True(t, r.Partial, "one month of 2023 is a partial year")
		totals[r.GeoID] = *r.Metrics["pledge_amount"]
	}
	assert.Equal(t, map[string]float64{"08005": 125.5, "08013": 1000, "08031": 550}, totals)

	runs, err := e.Store().GetStageRunsForRun(res.Run.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 5)
}

func TestRun_Reproducible(t *testing.T) {
	cfg := loadConfig(t)
	first, second := t.TempDir(), t.TempDir()

	_, err := newEngine(t, cfg, first).Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	_, err = newEngine(t, cfg, second).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	for _, stage := range StageNames() {
		entries, err := os.ReadDir(filepath.Join(first, stage))
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		for _, entry := range entries {
			a, err := os.ReadFile(filepath.Join(first, stage, entry.Name()))
			require.NoError(t, err)
			b, err := os.ReadFile(filepath.Join(second, stage, entry.Name()))
			require.NoError(t, err)
			assert.Equal(t, string(a), string(b), "%s/%s", stage, entry.Name())
		}
	}
}

func TestRun_SkipsUpToDateStages(t *testing.T) {
	out := t.TempDir()
	e := newEngine(t, loadConfig(t), out)
	ctx := context.Background()

	_, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)

	res, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)
	for _, s := range res.Stages {
		assert.Equal(t, core.StageSkipped, s.Status, s.Stage)
		assert.Equal(t, ReasonUpToDate, s.Reason, s.Stage)
	}

	res, err = e.Run(ctx, RunOptions{Force: true})
	require.NoError(t, err)
	for _, s := range res.Stages {
		assert.Equal(t, core.StageSucceeded, s.Status, s.Stage)
	}
}

func TestRun_LogsStageOutcomes(t *testing.T) {
	out := t.TempDir()
	logger, logs := testutil.NewCaptureLogger()
	e, err := New(Config{
		InputDir:  testdataDir,
		OutputDir: out,
		Pipeline:  loadConfig(t),
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	_, err = e.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "msg=\"stage completed\" stage=normalize")

	_, err = e.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "msg=\"stage up to date\" stage=aggregate")
}

func TestRun_ConfigChangeRerunsAffectedStages(t *testing.T) {
	out := t.TempDir()
	cfg := loadConfig(t)
	_, err := newEngine(t, cfg, out).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	changed := loadConfig(t)
	changed.Aggregate.PeriodGrain = config.GrainMonth
	res, err := newEngine(t, changed, out).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, map[string]core.StageStatus{
		StageNormalize: core.StageSkipped,
		StageResolve:   core.StageSkipped,
		StageValidate:  core.StageSkipped,
		StageEnrich:    core.StageSkipped,
		StageAggregate: core.StageSucceeded,
	}, statuses(res))
}

func TestRun_FailureWritesReportAndSkipsDownstream(t *testing.T) {
	out := t.TempDir()
	cfg := loadConfig(t)
	limit := 0.1
	cfg.Thresholds.MaxQuarantineRatio = &limit
	e := newEngine(t, cfg, out)

	res, err := e.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrKeyResolution))
	assert.Equal(t, "KeyResolutionError", core.ErrorClass(err))

	assert.Equal(t, map[string]core.StageStatus{
		StageNormalize: core.StageSucceeded,
		StageResolve:   core.StageFailed,
		StageValidate:  core.StageSkipped,
		StageEnrich:    core.StageSkipped,
		StageAggregate: core.StageSkipped,
	}, statuses(res))
	skipped, _ := res.Stage(StageAggregate)
	assert.Equal(t, ReasonUpstreamFailed, skipped.Reason)
	assert.Equal(t, core.RunStatusFailed, res.Run.Status)

	report, err := ReadFailure(out, StageResolve)
	require.NoError(t, err)
	assert.Equal(t, StageResolve, report.Stage)
	assert.Equal(t, res.Run.ID, report.RunID)
	assert.Equal(t, "KeyResolutionError", report.ErrorClass)
	assert.Equal(t, 2, report.AffectedRows)
	assert.Equal(t, 7, report.TotalRows)
	assert.Len(t, report.SampleRefs, 2)

	_, err = os.Stat(filepath.Join(out, StageResolve))
	assert.True(t, os.IsNotExist(err), "failed stage leaves no artifact")
	staging, _ := filepath.Glob(filepath.Join(out, ".staging-*"))
	assert.Empty(t, staging)

	// A later successful run clears the abort report.
	_, err = newEngine(t, loadConfig(t), out).Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	_, err = ReadFailure(out, StageResolve)
	assert.Error(t, err)
}

func TestRun_StageSelection(t *testing.T) {
	out := t.TempDir()
	e := newEngine(t, loadConfig(t), out)
	ctx := context.Background()

	res, err := e.Run(ctx, RunOptions{Stages: []string{StageValidate}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrIO))
	require.Len(t, res.Stages, 1)
	assert.Equal(t, core.StageFailed, res.Stages[0].Status)

	_, err = e.Run(ctx, RunOptions{})
	require.NoError(t, err)

	res, err = e.Run(ctx, RunOptions{Stages: []string{StageAggregate}, Force: true})
	require.NoError(t, err)
	require.Len(t, res.Stages, 1)
	assert.Equal(t, core.StageSucceeded, res.Stages[0].Status)

	_, err = e.Run(ctx, RunOptions{Stages: []string{"publish"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestRun_TamperedUpstreamArtifact(t *testing.T) {
	out := t.TempDir()
	e := newEngine(t, loadConfig(t), out)
	ctx := context.Background()
	_, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)

	path := filepath.Join(out, StageNormalize, DatasetFile("liheap"))
	require.NoError(t, os.WriteFile(path, []byte("dataset\n"), 0o644))

	res, err := e.Run(ctx, RunOptions{Stages: []string{StageResolve}})
	require.Error(t, err)
	assert.Equal(t, "IOError", core.ErrorClass(err))
	assert.True(t, strings.Contains(err.Error(), "hash mismatch"))
	assert.Equal(t, core.StageFailed, res.Stages[0].Status)
}

func TestRun_StaleUpstreamArtifact(t *testing.T) {
	in := t.TempDir()
	require.NoError(t, os.CopyFS(in, os.DirFS(testdataDir)))
	out := t.TempDir()
	e, err := New(Config{
		InputDir:  in,
		OutputDir: out,
		Pipeline:  loadConfig(t),
		Logger:    testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	_, err = e.Run(ctx, RunOptions{})
	require.NoError(t, err)

	raw := filepath.Join(in, "raw", "liheap", "pledges_2023.csv")
	require.NoError(t, os.WriteFile(raw, []byte("Zip Code,Pledge Date,Pledge Amount,City\n80202,20230115,$9999.00,Denver\n"), 0o644))

	for _, stage := range []string{StageResolve, StageAggregate} {
		res, err := e.Run(ctx, RunOptions{Stages: []string{stage}})
		require.Error(t, err, stage)
		assert.ErrorIs(t, err, ErrUpstreamStale)
		assert.Equal(t, "IOError", core.ErrorClass(err))
		assert.Contains(t, err.Error(), "stage normalize")
		require.Len(t, res.Stages, 1)
		assert.Equal(t, core.StageFailed, res.Stages[0].Status)
	}

	// A full run rebuilds the stale stages.
	res, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]core.StageStatus{
		StageNormalize: core.StageSucceeded,
		StageResolve:   core.StageSucceeded,
		StageValidate:  core.StageSucceeded,
		StageEnrich:    core.StageSucceeded,
		StageAggregate: core.StageSucceeded,
	}, statuses(res))

	res, err = e.Run(ctx, RunOptions{Stages: []string{StageAggregate}})
	require.NoError(t, err)
	assert.Equal(t, core.StageSkipped, res.Stages[0].Status)
	assert.Equal(t, ReasonUpToDate, res.Stages[0].Reason)
}

func TestRun_Cancelled(t *testing.T) {
	e := newEngine(t, loadConfig(t), t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.Run(ctx, RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Stages)
	assert.Equal(t, core.RunStatusCancelled, res.Run.Status)
}

func TestStages(t *testing.T) {
	out := t.TempDir()
	e := newEngine(t, loadConfig(t), out)

	infos, err := e.Stages()
	require.NoError(t, err)
	require.Len(t, infos, 5)
	for _, info := range infos {
		assert.Equal(t, ArtifactMissing, info.Artifact, info.Name)
		assert.Nil(t, info.LastRun)
	}
	assert.Empty(t, infos[0].DependsOn)
	assert.Equal(t, []string{StageEnrich}, infos[4].DependsOn)

	_, err = e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	infos, err = e.Stages()
	require.NoError(t, err)
	for _, info := range infos {
		assert.Equal(t, ArtifactVerified, info.Artifact, info.Name)
		assert.NotEmpty(t, info.Fingerprint)
		require.NotNil(t, info.LastRun)
		assert.Equal(t, core.StageSucceeded, info.LastRun.Status)
	}

	require.NoError(t, os.WriteFile(filepath.Join(out, StageEnrich, EnrichedFile), []byte("x\n"), 0o644))
	infos, err = e.Stages()
	require.NoError(t, err)
	assert.Equal(t, ArtifactInvalid, infos[3].Artifact)
	assert.Contains(t, infos[3].Problem, "hash mismatch")
}
