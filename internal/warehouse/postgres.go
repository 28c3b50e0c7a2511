package warehouse

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/stdlib"
)

func init() {
	Register("postgres", func(logger *slog.Logger) Warehouse { return NewPostgres(logger) })
}

// insertBatch bounds the rows per INSERT when COPY is unavailable.
const insertBatch = 500

// Postgres loads artifacts into PostgreSQL with COPY FROM STDIN.
type Postgres struct {
	base
}

// NewPostgres creates an unconnected PostgreSQL warehouse. A nil logger
// discards.
func NewPostgres(logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Postgres{base: base{logger: logger}}
}

// Name returns "postgres".
func (p *Postgres) Name() string {
	return "postgres"
}

// Connect opens a pgx connection pool through database/sql.
func (p *Postgres) Connect(ctx context.Context, cfg Config) error {
	p.logger.Debug("connecting to postgres", slog.String("host", cfg.Host), slog.String("database", cfg.Database))

	db, err := sql.Open("pgx", buildPostgresDSN(cfg))
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	p.db = db
	p.cfg = cfg
	if cfg.Schema != "" {
		if err := p.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+sanitizeIdentifier(cfg.Schema)); err != nil {
			return err
		}
	}
	return nil
}

// buildPostgresDSN constructs a key=value connection string.
func buildPostgresDSN(cfg Config) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	sslmode := "disable"
	if mode, ok := cfg.Options["sslmode"]; ok {
		sslmode = mode
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s",
		quoteDSNValue(host), port, quoteDSNValue(cfg.Database), quoteDSNValue(sslmode))
	if cfg.Username != "" {
		dsn += " user=" + quoteDSNValue(cfg.Username)
	}
	if cfg.Password != "" {
		dsn += " password=" + quoteDSNValue(cfg.Password)
	}
	return dsn
}

// quoteDSNValue single-quotes a key=value connection string value when it is
// empty or holds whitespace, quotes or backslashes.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n\r'\\") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// LoadCSV replaces table with the CSV contents. Columns are created as TEXT
// so geography codes keep their leading zeros.
func (p *Postgres) LoadCSV(ctx context.Context, table, path string) error {
	if p.db == nil {
		return fmt.Errorf("database connection not established")
	}
	header, err := csvHeader(path)
	if err != nil {
		return err
	}
	table = p.qualify(table)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin load: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createTextTable(ctx, tx, table, header); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit table %s: %w", table, err)
	}

	if err := p.copyFromCSV(ctx, table, path); err != nil {
		if !errors.Is(err, errNoCopy) {
			return fmt.Errorf("failed to copy data: %w", err)
		}
		p.logger.Debug("COPY unavailable, inserting rows", slog.String("table", table))
		if err := p.insertCSV(ctx, table, header, path); err != nil {
			return fmt.Errorf("failed to insert data: %w", err)
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func createTextTable(ctx context.Context, db execer, table string, columns []string) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
		return err
	}
	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = sanitizeIdentifier(col) + " TEXT"
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", ")))
	return err
}

var errNoCopy = errors.New("driver connection does not support COPY")

// copyFromCSV streams the file through the pgx connection's COPY protocol.
func (p *Postgres) copyFromCSV(ctx context.Context, table, path string) error {
	f, err := os.Open(path) //nolint:gosec // artifact path
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer func() { _ = f.Close() }()

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	return conn.Raw(func(driverConn any) error {
		pc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return errNoCopy
		}
		copySQL := fmt.Sprintf("COPY %s FROM STDIN WITH (FORMAT csv, HEADER true)", table)
		tag, err := pc.Conn().PgConn().CopyFrom(ctx, f, copySQL)
		if err != nil {
			return err
		}
		p.logger.Debug("copied rows", slog.String("table", table), slog.Int64("rows", tag.RowsAffected()))
		return nil
	})
}

// insertCSV loads the file with multi-row INSERT statements in one
// transaction.
func (p *Postgres) insertCSV(ctx context.Context, table string, header []string, path string) error {
	f, err := os.Open(path) //nolint:gosec // artifact path
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = sanitizeIdentifier(h)
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))

	var (
		tuples []string
		args   []any
	)
	flush := func() error {
		if len(tuples) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, prefix+strings.Join(tuples, ", "), args...); err != nil {
			return err
		}
		tuples, args = tuples[:0], args[:0]
		return nil
	}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read CSV: %w", err)
		}
		marks := make([]string, len(rec))
		for i, v := range rec {
			args = append(args, nullable(v))
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		tuples = append(tuples, "("+strings.Join(marks, ", ")+")")
		if len(tuples) == insertBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return tx.Commit()
}

// nullable maps empty CSV cells to NULL.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// TableInfo returns the columns and row count of a table.
func (p *Postgres) TableInfo(ctx context.Context, table string) (*TableInfo, error) {
	return p.tableInfo(ctx, table, "public", func(i int) string { return fmt.Sprintf("$%d", i) })
}

func csvHeader(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // artifact path
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer func() { _ = f.Close() }()
	header, err := csv.NewReader(f).Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	return header, nil
}

var _ Warehouse = (*Postgres)(nil)
