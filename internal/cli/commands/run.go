package commands

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/nth190/liheap-data-engineering/internal/cli/output"
	"github.com/nth190/liheap-data-engineering/internal/pipeline"
	"github.com/nth190/liheap-data-engineering/pkg/core"
	"github.com/spf13/cobra"
)

// RunOptions holds options for the run command.
type RunOptions struct {
	All    bool
	Stages []string
	Force  bool
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline or selected stages",
		Long: `Execute pipeline stages in dependency order:
normalize -> resolve -> validate -> enrich -> aggregate.

Stages whose inputs and configuration are unchanged since their last
committed artifact are skipped unless --force is given. A failing stage
aborts the run, skips its downstream stages and writes an abort report
to <output-dir>/_failures/<stage>.json.`,
		Example: `  # Run every stage
  liheap run --all

  # Re-run enrichment and aggregation against committed upstream artifacts
  liheap run --stage enrich --stage aggregate

  # Ignore fingerprints and rebuild everything
  liheap run --all --force

  # JSON output for CI
  liheap run --all --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "Run every stage")
	cmd.Flags().StringArrayVar(&opts.Stages, "stage", nil, "Stage to run (repeatable): "+strings.Join(pipeline.StageNames(), ", "))
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Run stages even when their artifacts are up to date")

	_ = cmd.RegisterFlagCompletionFunc("stage", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return pipeline.StageNames(), cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

// checkStages validates the stage selection flags.
func (o *RunOptions) checkStages() error {
	switch {
	case o.All && len(o.Stages) > 0:
		return Usagef("--all and --stage are mutually exclusive")
	case !o.All && len(o.Stages) == 0:
		return Usagef("specify --all or at least one --stage")
	}
	known := pipeline.StageNames()
	for _, s := range o.Stages {
		if !slices.Contains(known, s) {
			return Usagef("unknown stage %q (want one of %s)", s, strings.Join(known, ", "))
		}
	}
	return nil
}

func runRun(cmd *cobra.Command, opts *RunOptions) error {
	if err := opts.checkStages(); err != nil {
		return err
	}

	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	r := cmdCtx.Renderer
	if err := cmdCtx.Cfg.ValidateDirectories(); err != nil {
		return &UsageError{Err: err}
	}

	start := time.Now()
	result, err := cmdCtx.Engine.Run(cmd.Context(), pipeline.RunOptions{
		Stages:  opts.Stages,
		Force:   opts.Force,
		Command: cmd.CommandPath(),
	})
	if result == nil {
		return err
	}

	out := buildRunOutput(result, cmdCtx.Cfg.OutputDir, time.Since(start))
	var renderErr error
	switch r.EffectiveMode() {
	case output.ModeJSON:
		renderErr = r.JSON(out)
	default:
		renderRun(r, out)
	}
	return errors.Join(err, renderErr)
}

func buildRunOutput(result *pipeline.RunResult, outputDir string, elapsed time.Duration) *output.RunOutput {
	out := &output.RunOutput{
		Stages:  make([]output.StageOutcome, 0, len(result.Stages)),
		TotalMS: elapsed.Milliseconds(),
	}
	if result.Run != nil {
		out.RunID = result.Run.ID
		out.Status = string(result.Run.Status)
	}
	for _, s := range result.Stages {
		o := output.StageOutcome{
			Stage:       s.Stage,
			Status:      string(s.Status),
			Reason:      s.Reason,
			RowsIn:      s.RowsIn,
			RowsOut:     s.RowsOut,
			RowsSide:    s.RowsSide,
			Fingerprint: s.Fingerprint,
			ExecutionMS: s.Duration.Milliseconds(),
		}
		if s.Err != nil {
			o.Error = s.Err.Error()
			if out.Failure == nil {
				out.Failure = failureOutput(outputDir, s)
			}
		}
		out.Stages = append(out.Stages, o)
	}
	return out
}

// failureOutput prefers the abort report written by the engine.
func failureOutput(outputDir string, s pipeline.StageResult) *output.FailureOutput {
	if report, err := pipeline.ReadFailure(outputDir, s.Stage); err == nil {
		return fromFailureReport(report)
	}
	f := &output.FailureOutput{
		Stage:      s.Stage,
		ErrorClass: core.ErrorClass(s.Err),
		Error:      s.Err.Error(),
		SampleRefs: []string{},
	}
	var stageErr *core.StageError
	if errors.As(s.Err, &stageErr) {
		f.Error = stageErr.Err.Error()
		f.AffectedRows = stageErr.Affected
		f.TotalRows = stageErr.Total
		f.SampleRefs = append(f.SampleRefs, stageErr.Samples...)
	}
	return f
}

func fromFailureReport(report *pipeline.FailureReport) *output.FailureOutput {
	return &output.FailureOutput{
		Stage:        report.Stage,
		ErrorClass:   report.ErrorClass,
		Error:        report.Error,
		AffectedRows: report.AffectedRows,
		TotalRows:    report.TotalRows,
		SampleRefs:   report.SampleRefs,
	}
}

func renderRun(r *output.Renderer, out *output.RunOutput) {
	r.Header(1, fmt.Sprintf("Run %s", out.RunID))

	rows := make([]table.Row, 0, len(out.Stages))
	for _, s := range out.Stages {
		rows = append(rows, table.Row{
			s.Stage,
			s.Status,
			r.Number(s.RowsIn),
			r.Number(s.RowsOut),
			r.Number(s.RowsSide),
			fmt.Sprintf("%dms", s.ExecutionMS),
			s.Reason,
		})
	}
	r.Table(table.Row{"Stage", "Status", "Rows in", "Rows out", "Side", "Time", "Note"}, rows)
	r.Println("")

	if out.Failure != nil {
		renderFailure(r, out.Failure)
		r.Println("")
	}

	r.StatusLine(fmt.Sprintf("run %s", out.Status), out.Status, fmt.Sprintf("(%dms)", out.TotalMS))
}

func renderFailure(r *output.Renderer, f *output.FailureOutput) {
	r.Header(2, fmt.Sprintf("Stage %s aborted", f.Stage))
	if r.EffectiveMode() == output.ModeMarkdown {
		r.Println(output.FormatKeyValue("Error class", f.ErrorClass))
		r.Println(output.FormatKeyValue("Error", f.Error))
		r.Println(output.FormatKeyValue("Affected rows", fmt.Sprintf("%s of %s", r.Number(f.AffectedRows), r.Number(f.TotalRows))))
		if len(f.SampleRefs) > 0 {
			r.Println(output.FormatKeyValue("Sample rows", strings.Join(f.SampleRefs, ", ")))
		}
		return
	}
	styles := r.Styles()
	r.Printf("  %s: %s\n", styles.Bold.Render("Error class"), f.ErrorClass)
	r.Printf("  %s: %s\n", styles.Bold.Render("Error"), f.Error)
	r.Printf("  %s: %s of %s\n", styles.Bold.Render("Affected rows"), r.Number(f.AffectedRows), r.Number(f.TotalRows))
	for _, ref := range f.SampleRefs {
		r.Printf("    %s\n", styles.Muted.Render(ref))
	}
}
