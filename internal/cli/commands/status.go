package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/nth190/liheap-data-engineering/internal/cli/output"
	"github.com/nth190/liheap-data-engineering/internal/state"
	"github.com/nth190/liheap-data-engineering/pkg/core"
	"github.com/spf13/cobra"
)

// StatusOptions holds options for the status command.
type StatusOptions struct {
	Limit int
}

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	opts := &StatusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent runs and their stages",
		Long: `Show the most recent pipeline runs recorded in the state database,
newest first, with the outcome of every stage.`,
		Example: `  # Show the last 5 runs
  liheap status

  # Show the last run as JSON
  liheap status --limit 1 --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 5, "Number of runs to show")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	if opts.Limit <= 0 {
		return Usagef("--limit must be positive")
	}
	cmdCtx, err := NewCommandContextWithoutEngine(cmd)
	if err != nil {
		return err
	}
	r := cmdCtx.Renderer

	out := &output.StatusOutput{Runs: []output.RunSummary{}}
	if _, err := os.Stat(cmdCtx.Cfg.StatePath); err == nil {
		store := state.NewSQLiteStore(cmdCtx.Logger)
		if err := store.Open(cmdCtx.Cfg.StatePath); err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		defer func() { _ = store.Close() }()
		if err := store.InitSchema(); err != nil {
			return fmt.Errorf("failed to initialize state schema: %w", err)
		}
		if out.Runs, err = loadRunSummaries(store, opts.Limit); err != nil {
			return err
		}
	}

	switch r.EffectiveMode() {
	case output.ModeJSON:
		return r.JSON(out)
	default:
		renderStatus(r, out)
		return nil
	}
}

func loadRunSummaries(store core.Store, limit int) ([]output.RunSummary, error) {
	runs, err := store.ListRuns(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	summaries := make([]output.RunSummary, 0, len(runs))
	for _, run := range runs {
		stageRuns, err := store.GetStageRunsForRun(run.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list stage runs of %s: %w", run.ID, err)
		}
		s := output.RunSummary{
			ID:        run.ID,
			Command:   run.Command,
			Status:    string(run.Status),
			StartedAt: run.StartedAt.UTC().Format(time.RFC3339),
			Error:     run.Error,
			Stages:    make([]output.StageOutcome, 0, len(stageRuns)),
		}
		if run.CompletedAt != nil {
			s.CompletedAt = run.CompletedAt.UTC().Format(time.RFC3339)
		}
		for _, sr := range stageRuns {
			s.Stages = append(s.Stages, stageRunOutcome(sr))
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

func stageRunOutcome(sr *core.StageRun) output.StageOutcome {
	return output.StageOutcome{
		Stage:       sr.Stage,
		Status:      string(sr.Status),
		Reason:      sr.Reason,
		RowsIn:      sr.RowsIn,
		RowsOut:     sr.RowsOut,
		RowsSide:    sr.RowsSide,
		Fingerprint: sr.Fingerprint,
		ExecutionMS: sr.ExecutionMS,
		Error:       sr.Error,
	}
}

func renderStatus(r *output.Renderer, out *output.StatusOutput) {
	if len(out.Runs) == 0 {
		r.Muted("No runs recorded yet. Use 'liheap run --all' to start one.")
		return
	}

	r.Header(1, fmt.Sprintf("Recent runs (%d)", len(out.Runs)))
	for _, run := range out.Runs {
		r.StatusLine(run.ID, run.Status, fmt.Sprintf("%s  %s  %s", run.Status, run.StartedAt, run.Command))
		if run.Error != "" {
			r.Printf("  %s\n", r.Styles().Error.Render(run.Error))
		}
		if len(run.Stages) == 0 {
			r.Println("")
			continue
		}
		rows := make([]table.Row, 0, len(run.Stages))
		for _, s := range run.Stages {
			note := s.Reason
			if s.Error != "" {
				note = s.Error
			}
			rows = append(rows, table.Row{s.Stage, s.Status, r.Number(s.RowsIn), r.Number(s.RowsOut), r.Number(s.RowsSide), note})
		}
		r.Table(table.Row{"Stage", "Status", "Rows in", "Rows out", "Side", "Note"}, rows)
		r.Println("")
	}
}
