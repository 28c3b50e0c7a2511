// Package warehouse loads committed pipeline artifacts into an analytical
// database. DuckDB and PostgreSQL targets are registered by default.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Config holds the connection settings of a warehouse target.
type Config struct {
	// Target is the registered warehouse name ("duckdb", "postgres").
	Target string `koanf:"target"`

	// Path is the database file for file-based targets.
	// Use ":memory:" for an in-memory database.
	Path string `koanf:"path"`

	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Database string `koanf:"database"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`

	// Schema qualifies loaded tables when set.
	Schema string `koanf:"schema"`

	// Options contains driver-specific options such as sslmode.
	Options map[string]string `koanf:"options"`
}

// Column describes a loaded table column.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Position int
}

// TableInfo describes a loaded table.
type TableInfo struct {
	Schema   string
	Name     string
	Columns  []Column
	RowCount int64
}

// Warehouse is a load target for CSV artifacts.
type Warehouse interface {
	// Connect opens the connection described by cfg.
	Connect(ctx context.Context, cfg Config) error

	// Close releases the connection.
	Close() error

	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, sql string) error

	// LoadCSV replaces table with the contents of a CSV file with a header row.
	LoadCSV(ctx context.Context, table, path string) error

	// TableInfo returns the columns and row count of a table.
	TableInfo(ctx context.Context, table string) (*TableInfo, error)

	// Name returns the registered target name.
	Name() string
}

// ParquetExporter is implemented by targets that can write a table to a
// parquet file.
type ParquetExporter interface {
	ExportParquet(ctx context.Context, table, path string) error
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func(*slog.Logger) Warehouse)
)

// Register adds a warehouse factory under name.
func Register(name string, factory func(*slog.Logger) Warehouse) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// UnknownTargetError is returned by New for an unregistered target.
type UnknownTargetError struct {
	Target    string
	Available []string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("unknown warehouse target %q (available: %s)", e.Target, strings.Join(e.Available, ", "))
}

// New creates an unconnected warehouse for cfg.Target.
func New(cfg Config, logger *slog.Logger) (Warehouse, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("warehouse target not specified")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	registryMu.RLock()
	factory, ok := registry[cfg.Target]
	registryMu.RUnlock()
	if !ok {
		return nil, &UnknownTargetError{Target: cfg.Target, Available: Targets()}
	}
	return factory(logger), nil
}

// Targets returns the registered target names, sorted.
func Targets() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// base provides the database/sql plumbing shared by targets.
type base struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
}

// Close closes the database connection.
func (b *base) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing warehouse connection")
	return b.db.Close()
}

// Exec runs a statement that returns no rows.
func (b *base) Exec(ctx context.Context, stmt string) error {
	if b.db == nil {
		return fmt.Errorf("database connection not established")
	}
	if _, err := b.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	return nil
}

// qualify prefixes table with the configured schema.
func (b *base) qualify(table string) string {
	if b.cfg.Schema == "" || strings.Contains(table, ".") {
		return table
	}
	return b.cfg.Schema + "." + table
}

// tableInfo reads information_schema with the given placeholder style.
func (b *base) tableInfo(ctx context.Context, table, defaultSchema string, placeholder func(int) string) (*TableInfo, error) {
	if b.db == nil {
		return nil, fmt.Errorf("database connection not established")
	}

	schema, name := defaultSchema, table
	if b.cfg.Schema != "" {
		schema = b.cfg.Schema
	}
	if parts := strings.Split(table, "."); len(parts) == 2 {
		schema, name = parts[0], parts[1]
	}

	//nolint:gosec // placeholders are fixed per target
	query := fmt.Sprintf(`
		SELECT column_name, data_type, is_nullable, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = %s AND table_name = %s
		ORDER BY ordinal_position`, placeholder(1), placeholder(2))

	rows, err := b.db.QueryContext(ctx, query, schema, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query column metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var columns []Column
	for rows.Next() {
		var col Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Position); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		col.Nullable = nullable == "YES"
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column metadata: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s not found", table)
	}

	var count int64
	//nolint:gosec // identifiers come from information_schema
	if err := b.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", schema, name)).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count rows of %s: %w", table, err)
	}
	return &TableInfo{Schema: schema, Name: name, Columns: columns, RowCount: count}, nil
}

// sanitizeIdentifier makes an artifact column name safe for SQL.
func sanitizeIdentifier(name string) string {
	safe := strings.ReplaceAll(name, " ", "_")
	safe = strings.ReplaceAll(safe, "-", "_")
	if strings.ContainsAny(safe, "()[]{}.") || isReservedWord(safe) {
		return fmt.Sprintf(`"%s"`, strings.ReplaceAll(safe, `"`, `""`))
	}
	return safe
}

func isReservedWord(name string) bool {
	reserved := map[string]bool{
		"user": true, "order": true, "group": true, "table": true,
		"select": true, "from": true, "where": true, "index": true,
		"row": true, "period": true,
	}
	return reserved[strings.ToLower(name)]
}
