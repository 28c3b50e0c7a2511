package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nth190/liheap-data-engineering/internal/artifact"
	"github.com/nth190/liheap-data-engineering/internal/pipeline"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Source is one artifact file exported to a table.
type Source struct {
	Stage string
	File  string
	Table string
}

// DefaultSources are the final artifacts of a run.
var DefaultSources = []Source{
	{Stage: pipeline.StageEnrich, File: pipeline.EnrichedFile, Table: "liheap_enriched"},
	{Stage: pipeline.StageAggregate, File: pipeline.AggregatedFile, Table: "liheap_aggregated"},
}

// ExportOptions configures Export.
type ExportOptions struct {
	// Sources defaults to DefaultSources.
	Sources []Source
	// ParquetDir receives one parquet file per table when set. The target
	// must implement ParquetExporter.
	ParquetDir string
	Logger     *slog.Logger
}

// Loaded reports one exported table.
type Loaded struct {
	Table   string
	Source  string
	Rows    int
	Parquet string
}

// Export verifies each source artifact against its stage manifest and loads
// it into w. Nothing is loaded when any manifest fails to verify.
func Export(ctx context.Context, w Warehouse, outputDir string, opts ExportOptions) ([]Loaded, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sources := opts.Sources
	if len(sources) == 0 {
		sources = DefaultSources
	}

	var exporter ParquetExporter
	if opts.ParquetDir != "" {
		pe, ok := w.(ParquetExporter)
		if !ok {
			return nil, fmt.Errorf("warehouse %s cannot export parquet", w.Name())
		}
		exporter = pe
		if err := os.MkdirAll(opts.ParquetDir, 0o755); err != nil {
			return nil, core.WrapIO("mkdir", opts.ParquetDir, err)
		}
	}

	loaded := make([]Loaded, 0, len(sources))
	for _, src := range sources {
		dir := filepath.Join(outputDir, src.Stage)
		m, err := artifact.Verify(dir)
		if err != nil {
			return nil, core.WrapIO("verify", dir, fmt.Errorf("stage %s: %w", src.Stage, err))
		}
		out, ok := m.Output(src.File)
		if !ok {
			return nil, core.WrapIO("export", dir, fmt.Errorf("stage %s has no output %s", src.Stage, src.File))
		}
		loaded = append(loaded, Loaded{
			Table:  src.Table,
			Source: filepath.ToSlash(filepath.Join(src.Stage, src.File)),
			Rows:   out.Rows,
		})
	}

	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(outputDir, src.Stage, src.File)
		if err := w.LoadCSV(ctx, src.Table, path); err != nil {
			return nil, fmt.Errorf("load %s: %w", src.Table, err)
		}
		if exporter != nil {
			pq := filepath.Join(opts.ParquetDir, src.Table+".parquet")
			if err := exporter.ExportParquet(ctx, src.Table, pq); err != nil {
				return nil, fmt.Errorf("export %s: %w", src.Table, err)
			}
			loaded[i].Parquet = pq
		}
		logger.Info("exported table",
			slog.String("warehouse", w.Name()),
			slog.String("table", src.Table),
			slog.Int("rows", loaded[i].Rows))
	}
	return loaded, nil
}
