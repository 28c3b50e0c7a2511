package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/nth190/liheap-data-engineering/internal/aggregate"
	"github.com/nth190/liheap-data-engineering/internal/artifact"
	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/internal/enrich"
	"github.com/nth190/liheap-data-engineering/internal/normalize"
	"github.com/nth190/liheap-data-engineering/internal/resolve"
	"github.com/nth190/liheap-data-engineering/internal/source"
	"github.com/nth190/liheap-data-engineering/internal/validate"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Artifact file names.
const (
	ReportFile     = "report.json"
	RejectsFile    = "rejects.csv"
	QuarantineFile = "quarantine.csv"
	DroppedFile    = "dropped.csv"
	ViolationsFile = "violations.csv"
	EnrichedFile   = "enriched.csv"
	AggregatedFile = "aggregated.csv"
)

// DatasetFile returns the artifact name of a dataset's records.
func DatasetFile(dataset string) string {
	return dataset + ".csv"
}

type stageDef struct {
	name string
	// section returns the configuration the stage's output depends on.
	section        func(p *config.Pipeline) any
	needsRaw       bool
	needsCrosswalk bool
	run            func(ctx context.Context, e *Engine, sc *stageContext) (*stageOutput, error)
}

type stageContext struct {
	staging   *artifact.Staging
	crosswalk *resolve.Crosswalk
}

type stageOutput struct {
	rowsIn, rowsOut, rowsSide int
}

func (o *stageOutput) add(in, out, side int) {
	o.rowsIn += in
	o.rowsOut += out
	o.rowsSide += side
}

func stageDefs() map[string]*stageDef {
	return map[string]*stageDef{
		StageNormalize: {
			name: StageNormalize,
			section: func(p *config.Pipeline) any {
				return struct {
					Datasets  []config.DatasetConfig `json:"datasets"`
					MaxReject float64                `json:"max_reject_ratio"`
				}{p.Datasets, p.Thresholds.RejectRatio()}
			},
			needsRaw: true,
			run:      runNormalize,
		},
		StageResolve: {
			name: StageResolve,
			section: func(p *config.Pipeline) any {
				return struct {
					Datasets      []config.DatasetConfig `json:"datasets"`
					Crosswalk     config.CrosswalkConfig `json:"crosswalk"`
					MaxQuarantine float64                `json:"max_quarantine_ratio"`
				}{p.Datasets, p.Crosswalk, p.Thresholds.QuarantineRatio()}
			},
			needsCrosswalk: true,
			run:            runResolve,
		},
		StageValidate: {
			name: StageValidate,
			section: func(p *config.Pipeline) any {
				return struct {
					Rules    []core.ValidationRule `json:"rules"`
					MaxFatal float64               `json:"max_fatal_ratio"`
				}{p.Rules.Validate, p.Thresholds.FatalRatio()}
			},
			needsCrosswalk: true,
			run:            runValidate,
		},
		StageEnrich: {
			name: StageEnrich,
			section: func(p *config.Pipeline) any {
				primary := ""
				if ds, ok := p.PrimaryDataset(); ok {
					primary = ds.Name
				}
				return struct {
					Primary    string                   `json:"primary"`
					References []config.ReferenceConfig `json:"references"`
					Policies   []core.FillPolicy        `json:"fill_policies"`
					MaxCarry   int                      `json:"max_carry_periods"`
					Rules      []core.ValidationRule    `json:"rules"`
					MaxFatal   float64                  `json:"max_fatal_ratio"`
				}{primary, p.References(), p.Enrich.Policies(), p.Enrich.MaxCarryPeriods, p.Rules.Enrich, p.Thresholds.FatalRatio()}
			},
			needsCrosswalk: true,
			run:            runEnrich,
		},
		StageAggregate: {
			name: StageAggregate,
			section: func(p *config.Pipeline) any {
				return struct {
					Aggregate config.AggregateConfig `json:"aggregate"`
					Rules     []core.ValidationRule  `json:"rules"`
					MaxFatal  float64                `json:"max_fatal_ratio"`
				}{p.Aggregate, p.Rules.Aggregate, p.Thresholds.FatalRatio()}
			},
			needsCrosswalk: true,
			run:            runAggregate,
		},
	}
}

func (e *Engine) stageDir(stage string) string {
	return filepath.Join(e.outputDir, stage)
}

// thresholdError builds the abort error for a dataset whose losses exceed
// a ratio threshold.
func (e *Engine) thresholdError(class error, what, dataset string, rejected []core.Rejection, total int, limit float64) error {
	return &core.StageError{
		Affected: len(rejected),
		Total:    total,
		Samples:  core.SampleRefs(rejected, e.cfg.SampleRefs),
		Err: fmt.Errorf("%w: dataset %s: %d of %d rows %s (limit %.4g)",
			class, dataset, len(rejected), total, what, limit),
	}
}

func exceeds(n, total int, limit float64) bool {
	return total > 0 && float64(n)/float64(total) > limit
}

func (e *Engine) readCanonical(stage, dataset string) ([]core.CanonicalRecord, error) {
	path := filepath.Join(e.stageDir(stage), DatasetFile(dataset))
	t, err := artifact.ReadTable(path)
	if err != nil {
		return nil, err
	}
	recs, err := artifact.DecodeCanonical(t)
	if err != nil {
		return nil, core.WrapIO("decode", path, err)
	}
	return recs, nil
}

func runNormalize(ctx context.Context, e *Engine, sc *stageContext) (*stageOutput, error) {
	out := &stageOutput{}
	report := &StageReport{Stage: StageNormalize, Issues: []Issue{}}
	var rejected []core.Rejection

	for i := range e.cfg.Datasets {
		ds := &e.cfg.Datasets[i]
		batch, err := source.ReadDataset(ctx, e.inputDir, ds, e.logger)
		if err != nil {
			return nil, err
		}
		n, err := normalize.New(ds, normalize.Options{Workers: e.cfg.Workers, Logger: e.logger})
		if err != nil {
			return nil, err
		}
		res, err := n.Normalize(ctx, batch.Records)
		if err != nil {
			return nil, err
		}
		if exceeds(len(res.Rejected), res.Total(), e.cfg.Thresholds.RejectRatio()) {
			return nil, e.thresholdError(core.ErrSchema, "rejected", ds.Name, res.Rejected, res.Total(), e.cfg.Thresholds.RejectRatio())
		}

		if err := sc.staging.WriteTable(DatasetFile(ds.Name), artifact.EncodeCanonical(res.Accepted)); err != nil {
			return nil, err
		}
		issues, reasons := rejectionIssues(res.Rejected)
		report.Issues = append(report.Issues, issues...)
		report.Datasets = append(report.Datasets, DatasetReport{
			Dataset:  ds.Name,
			RowsIn:   len(batch.Records),
			RowsOut:  len(res.Accepted),
			Rejected: len(res.Rejected),
			Reasons:  reasons,
		})
		rejected = append(rejected, res.Rejected...)
		out.add(len(batch.Records), len(res.Accepted), len(res.Rejected))
	}

	if err := sc.staging.WriteTable(RejectsFile, artifact.EncodeRejections(rejected)); err != nil {
		return nil, err
	}
	return out, sc.staging.WriteJSON(ReportFile, report)
}

func runResolve(ctx context.Context, e *Engine, sc *stageContext) (*stageOutput, error) {
	out := &stageOutput{}
	report := &StageReport{Stage: StageResolve, Issues: []Issue{}}
	var quarantined, dropped []core.Rejection

	for i := range e.cfg.Datasets {
		ds := &e.cfg.Datasets[i]
		recs, err := e.readCanonical(StageNormalize, ds.Name)
		if err != nil {
			return nil, err
		}
		r, err := resolve.New(ds, sc.crosswalk, resolve.Options{Workers: e.cfg.Workers, Logger: e.logger})
		if err != nil {
			return nil, err
		}
		res, err := r.Resolve(ctx, recs)
		if err != nil {
			var dup *core.DuplicateKeyError
			if errors.As(err, &dup) {
				return nil, &core.StageError{Affected: len(dup.Refs), Total: len(recs), Samples: dup.Refs, Err: err}
			}
			return nil, err
		}
		if exceeds(len(res.Rejected), len(recs), e.cfg.Thresholds.QuarantineRatio()) {
			return nil, e.thresholdError(core.ErrKeyResolution, "quarantined", ds.Name, res.Rejected, len(recs), e.cfg.Thresholds.QuarantineRatio())
		}

		if err := sc.staging.WriteTable(DatasetFile(ds.Name), artifact.EncodeCanonical(res.Accepted)); err != nil {
			return nil, err
		}
		issues, reasons := rejectionIssues(res.Rejected)
		report.Issues = append(report.Issues, issues...)
		report.Datasets = append(report.Datasets, DatasetReport{
			Dataset:      ds.Name,
			RowsIn:       len(recs),
			RowsOut:      len(res.Accepted),
			Quarantined:  len(res.Rejected),
			Dropped:      len(res.Dropped),
			Consolidated: res.Consolidated,
			Shadowed:     res.Shadowed,
			Reasons:      reasons,
		})
		quarantined = append(quarantined, res.Rejected...)
		dropped = append(dropped, res.Dropped...)
		out.add(len(recs), len(res.Accepted), len(res.Rejected))
	}

	if err := sc.staging.WriteTable(QuarantineFile, artifact.EncodeRejections(quarantined)); err != nil {
		return nil, err
	}
	if err := sc.staging.WriteTable(DroppedFile, artifact.EncodeRejections(dropped)); err != nil {
		return nil, err
	}
	return out, sc.staging.WriteJSON(ReportFile, report)
}

// referenceSets exposes the crosswalk geographies to referential rules.
func referenceSets(cw *resolve.Crosswalk) validate.Sets {
	return validate.Sets{
		config.SetCounties: validate.NewSet(cw.Counties()),
		config.SetStates:   validate.NewSet(cw.States()),
	}
}

// validateBatch applies rules and fails the stage when fatal rows exceed the
// threshold.
func validateBatch[R validate.Record](ctx context.Context, e *Engine, sc *stageContext, stage, dataset string, recs []R, rules []core.ValidationRule) (core.Result[R], *validate.Report, error) {
	res, rep, err := validate.Validate(ctx, recs, rules, validate.Options{
		Workers: e.cfg.Workers,
		Sets:    referenceSets(sc.crosswalk),
		Logger:  e.logger.With("stage", stage, "dataset", dataset),
	})
	if err != nil {
		return res, nil, err
	}
	if err := rep.CheckThreshold(stage, e.cfg.Thresholds.FatalRatio()); err != nil {
		return res, rep, &core.StageError{
			Affected: rep.FatalRows,
			Total:    rep.Total,
			Samples:  core.SampleRefs(res.Rejected, e.cfg.SampleRefs),
			Err:      err,
		}
	}
	return res, rep, nil
}

func violationReport(dataset string, rep *validate.Report) (DatasetReport, []Issue) {
	issues, rules := violationIssues(rep.Violations)
	return DatasetReport{
		Dataset:   dataset,
		RowsIn:    rep.Total,
		RowsOut:   rep.Total - rep.FatalRows,
		FatalRows: rep.FatalRows,
		WarnRows:  rep.WarnRows,
		Reasons:   rules,
	}, issues
}

func runValidate(ctx context.Context, e *Engine, sc *stageContext) (*stageOutput, error) {
	out := &stageOutput{}
	report := &StageReport{Stage: StageValidate, Issues: []Issue{}}
	var violations []core.Violation

	for i := range e.cfg.Datasets {
		ds := &e.cfg.Datasets[i]
		recs, err := e.readCanonical(StageResolve, ds.Name)
		if err != nil {
			return nil, err
		}
		res, rep, err := validateBatch(ctx, e, sc, StageValidate, ds.Name, recs, e.cfg.Rules.Validate)
		if err != nil {
			return nil, err
		}
		if err := sc.staging.WriteTable(DatasetFile(ds.Name), artifact.EncodeCanonical(res.Accepted)); err != nil {
			return nil, err
		}
		dr, issues := violationReport(ds.Name, rep)
		report.Datasets = append(report.Datasets, dr)
		report.Issues = append(report.Issues, issues...)
		violations = append(violations, rep.Violations...)
		out.add(len(recs), len(res.Accepted), len(rep.Violations))
	}

	if err := sc.staging.WriteTable(ViolationsFile, artifact.EncodeViolations(violations)); err != nil {
		return nil, err
	}
	return out, sc.staging.WriteJSON(ReportFile, report)
}

func runEnrich(ctx context.Context, e *Engine, sc *stageContext) (*stageOutput, error) {
	primaryDS, ok := e.cfg.PrimaryDataset()
	if !ok {
		return nil, fmt.Errorf("no primary dataset configured")
	}
	primary, err := e.readCanonical(StageValidate, primaryDS.Name)
	if err != nil {
		return nil, err
	}

	var refs []enrich.Reference
	for _, rc := range e.cfg.References() {
		recs, err := e.readCanonical(StageValidate, rc.Dataset)
		if err != nil {
			return nil, err
		}
		refs = append(refs, enrich.Reference{Config: rc, Records: recs})
	}

	enriched, err := enrich.Enrich(ctx, primary, refs, enrich.Options{
		Workers:         e.cfg.Workers,
		Policies:        e.cfg.Enrich.Policies(),
		MaxCarryPeriods: e.cfg.Enrich.MaxCarryPeriods,
		Logger:          e.logger,
	})
	if err != nil {
		var dup *core.DuplicateKeyError
		if errors.As(err, &dup) {
			return nil, &core.StageError{Affected: len(dup.Refs), Samples: dup.Refs, Err: err}
		}
		return nil, err
	}

	res, rep, err := validateBatch(ctx, e, sc, StageEnrich, primaryDS.Name, enriched.Records, e.cfg.Rules.Enrich)
	if err != nil {
		return nil, err
	}
	if err := sc.staging.WriteTable(EnrichedFile, artifact.EncodeEnriched(res.Accepted)); err != nil {
		return nil, err
	}
	if err := sc.staging.WriteTable(ViolationsFile, artifact.EncodeViolations(rep.Violations)); err != nil {
		return nil, err
	}

	dr, issues := violationReport(primaryDS.Name, rep)
	report := &StageReport{
		Stage:    StageEnrich,
		Datasets: []DatasetReport{dr},
		Coverage: enriched.Coverage,
		Issues:   issues,
	}
	return &stageOutput{rowsIn: len(primary), rowsOut: len(res.Accepted), rowsSide: len(rep.Violations)},
		sc.staging.WriteJSON(ReportFile, report)
}

func runAggregate(ctx context.Context, e *Engine, sc *stageContext) (*stageOutput, error) {
	path := filepath.Join(e.stageDir(StageEnrich), EnrichedFile)
	t, err := artifact.ReadTable(path)
	if err != nil {
		return nil, err
	}
	enriched, err := artifact.DecodeEnriched(t)
	if err != nil {
		return nil, core.WrapIO("decode", path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	agg := e.cfg.Aggregate
	aggregated := aggregate.Aggregate(enriched, agg)
	res, rep, err := validateBatch(ctx, e, sc, StageAggregate, "", aggregated, e.cfg.Rules.Aggregate)
	if err != nil {
		return nil, err
	}

	metrics := make([]string, len(agg.Metrics))
	for i, m := range agg.Metrics {
		metrics[i] = m.Name
	}
	if err := sc.staging.WriteTable(AggregatedFile, artifact.EncodeAggregated(res.Accepted, metrics)); err != nil {
		return nil, err
	}
	if err := sc.staging.WriteTable(ViolationsFile, artifact.EncodeViolations(rep.Violations)); err != nil {
		return nil, err
	}

	dr, issues := violationReport("", rep)
	dr.RowsIn = len(enriched)
	report := &StageReport{Stage: StageAggregate, Datasets: []DatasetReport{dr}, Issues: issues}
	return &stageOutput{rowsIn: len(enriched), rowsOut: len(res.Accepted), rowsSide: len(rep.Violations)},
		sc.staging.WriteJSON(ReportFile, report)
}
