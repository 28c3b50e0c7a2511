package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

func init() {
	Register("duckdb", func(logger *slog.Logger) Warehouse { return NewDuckDB(logger) })
}

// DuckDB loads artifacts into a DuckDB database file.
type DuckDB struct {
	base
}

// NewDuckDB creates an unconnected DuckDB warehouse. A nil logger discards.
func NewDuckDB(logger *slog.Logger) *DuckDB {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DuckDB{base: base{logger: logger}}
}

// Name returns "duckdb".
func (d *DuckDB) Name() string {
	return "duckdb"
}

// Connect opens the database at cfg.Path, in memory when empty.
func (d *DuckDB) Connect(ctx context.Context, cfg Config) error {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	d.logger.Debug("connecting to duckdb", slog.String("path", path))
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return fmt.Errorf("failed to open duckdb connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping duckdb: %w", err)
	}

	d.db = db
	d.cfg = cfg
	if cfg.Schema != "" {
		if err := d.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+sanitizeIdentifier(cfg.Schema)); err != nil {
			return err
		}
	}
	return nil
}

// LoadCSV replaces table with the CSV contents, inferring column types.
func (d *DuckDB) LoadCSV(ctx context.Context, table, path string) error {
	if d.db == nil {
		return fmt.Errorf("database connection not established")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	header, err := csvHeader(abs)
	if err != nil {
		return err
	}
	opts := "header=true"
	if slices.Contains(header, "geo_id") {
		// FIPS codes keep their leading zeros.
		opts += ", types={'geo_id': 'VARCHAR'}"
	}
	query := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM read_csv_auto(%s, %s)",
		d.qualify(table), quoteLiteral(abs), opts)
	if err := d.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to load CSV: %w", err)
	}
	return nil
}

// ExportParquet writes table to a parquet file.
func (d *DuckDB) ExportParquet(ctx context.Context, table, path string) error {
	if d.db == nil {
		return fmt.Errorf("database connection not established")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	query := fmt.Sprintf("COPY %s TO %s (FORMAT parquet)", d.qualify(table), quoteLiteral(abs))
	if err := d.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to export parquet: %w", err)
	}
	return nil
}

// TableInfo returns the columns and row count of a table.
func (d *DuckDB) TableInfo(ctx context.Context, table string) (*TableInfo, error) {
	return d.tableInfo(ctx, table, "main", func(int) string { return "?" })
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var (
	_ Warehouse       = (*DuckDB)(nil)
	_ ParquetExporter = (*DuckDB)(nil)
)
