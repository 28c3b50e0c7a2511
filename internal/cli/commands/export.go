package commands

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/nth190/liheap-data-engineering/internal/cli/output"
	"github.com/nth190/liheap-data-engineering/internal/warehouse"
	"github.com/spf13/cobra"
)

// Export formats.
const (
	FormatParquet = "parquet"
)

// ExportOptions holds options for the export command.
type ExportOptions struct {
	Format     string
	ParquetDir string
}

// NewExportCommand creates the export command.
func NewExportCommand() *cobra.Command {
	opts := &ExportOptions{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Load the final artifacts into a warehouse",
		Long: `Load the enriched and aggregated artifacts of the last successful run
into a warehouse table each. Every artifact is verified against its stage
manifest first; nothing is loaded when any of them fails to verify.

The warehouse is configured under 'warehouse:' in liheap.yaml and can be
switched with --target (` + strings.Join(warehouse.Targets(), ", ") + `).`,
		Example: `  # Load into the local DuckDB file (<output-dir>/liheap.duckdb)
  liheap export

  # Load into PostgreSQL
  liheap export --target postgres

  # Also write parquet files
  liheap export --format parquet --parquet-dir exports/`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Format, "format", "", "Additional export format (parquet)")
	cmd.Flags().StringVar(&opts.ParquetDir, "parquet-dir", "", "Directory for parquet files (default: <output-dir>/parquet)")

	_ = cmd.RegisterFlagCompletionFunc("format", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{FormatParquet}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runExport(cmd *cobra.Command, opts *ExportOptions) error {
	switch opts.Format {
	case "", FormatParquet:
	default:
		return Usagef("unknown export format %q (want %s)", opts.Format, FormatParquet)
	}

	cmdCtx, err := NewCommandContextWithoutEngine(cmd)
	if err != nil {
		return err
	}
	cfg := cmdCtx.Cfg
	r := cmdCtx.Renderer

	wcfg := *cfg.Warehouse
	w, err := warehouse.New(wcfg, cmdCtx.Logger)
	if err != nil {
		var unknown *warehouse.UnknownTargetError
		if errors.As(err, &unknown) {
			return &UsageError{Err: err}
		}
		return err
	}
	if wcfg.Path != "" && wcfg.Path != ":memory:" {
		if err := ensureParentDir(wcfg.Path); err != nil {
			return fmt.Errorf("failed to create warehouse directory: %w", err)
		}
	}
	if err := w.Connect(cmd.Context(), wcfg); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wcfg.Target, err)
	}
	defer func() { _ = w.Close() }()

	exportOpts := warehouse.ExportOptions{Logger: cmdCtx.Logger}
	if opts.Format == FormatParquet {
		exportOpts.ParquetDir = opts.ParquetDir
		if exportOpts.ParquetDir == "" {
			exportOpts.ParquetDir = filepath.Join(cfg.OutputDir, FormatParquet)
		}
	}

	loaded, err := warehouse.Export(cmd.Context(), w, cfg.OutputDir, exportOpts)
	if err != nil {
		return err
	}

	out := &output.ExportOutput{Target: w.Name(), Tables: make([]output.TableOutput, 0, len(loaded))}
	for _, l := range loaded {
		out.Tables = append(out.Tables, output.TableOutput{
			Table:   l.Table,
			Source:  l.Source,
			Rows:    l.Rows,
			Parquet: l.Parquet,
		})
	}

	switch r.EffectiveMode() {
	case output.ModeJSON:
		return r.JSON(out)
	default:
		renderExport(r, out)
		return nil
	}
}

func renderExport(r *output.Renderer, out *output.ExportOutput) {
	r.Header(1, fmt.Sprintf("Exported to %s", out.Target))
	rows := make([]table.Row, 0, len(out.Tables))
	for _, t := range out.Tables {
		rows = append(rows, table.Row{t.Table, t.Source, r.Number(t.Rows), t.Parquet})
	}
	r.Table(table.Row{"Table", "Source", "Rows", "Parquet"}, rows)
	r.Success(fmt.Sprintf("%d tables loaded", len(out.Tables)))
}
