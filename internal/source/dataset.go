package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// File is one discovered input file.
type File struct {
	// Rel is the path relative to the input directory, with forward slashes.
	Rel     string
	Path    string
	ModTime time.Time
	SHA256  string
	Rows    int
}

// Batch is the raw content of one dataset.
type Batch struct {
	Dataset string
	Files   []File
	Records []core.RawRecord
}

// Discover returns the files matching the patterns under dir, sorted by
// relative path and without duplicates.
func Discover(dir string, patterns []string) ([]File, error) {
	seen := make(map[string]bool)
	var files []File
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid file pattern %q: %w", pattern, err)
		}
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil {
				return nil, core.WrapIO("stat", path, err)
			}
			if info.IsDir() || seen[path] {
				continue
			}
			seen[path] = true
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				rel = filepath.Base(path)
			}
			files = append(files, File{
				Rel:     filepath.ToSlash(rel),
				Path:    path,
				ModTime: info.ModTime().Truncate(time.Second),
			})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Rel < files[j].Rel })
	return files, nil
}

// ReadDataset reads every file of a dataset into raw records. Records keep
// file order, then row order. Preamble metadata is exposed as extra columns
// when the header does not already carry them.
func ReadDataset(ctx context.Context, dir string, ds *config.DatasetConfig, logger *slog.Logger) (*Batch, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	files, err := Discover(dir, ds.Files)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, core.WrapIO("discover", filepath.Join(dir, ds.Name),
			fmt.Errorf("no input files match %v", ds.Files))
	}

	batch := &Batch{Dataset: ds.Name}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := ReadTable(f.Path, DelimiterFor(f.Path, ds.Delimiter))
		if err != nil {
			return nil, err
		}
		f.SHA256 = t.SHA256
		f.Rows = len(t.Rows)
		batch.Files = append(batch.Files, f)

		columns := append([]string(nil), t.Header...)
		metaKeys := make([]string, 0, len(t.Meta))
		for key := range t.Meta {
			if t.Index(key) < 0 {
				metaKeys = append(metaKeys, key)
			}
		}
		sort.Strings(metaKeys)
		columns = append(columns, metaKeys...)

		for _, row := range t.Rows {
			values := make(map[string]string, len(columns))
			for i, name := range t.Header {
				values[name] = row.Cells[i]
			}
			for _, key := range metaKeys {
				values[key] = t.Meta[key]
			}
			batch.Records = append(batch.Records, core.RawRecord{
				Dataset:    ds.Name,
				SourceFile: f.Rel,
				Row:        row.Number,
				IngestedAt: f.ModTime,
				Columns:    columns,
				Values:     values,
			})
		}
		logger.Debug("read input file", "dataset", ds.Name, "file", f.Rel, "rows", len(t.Rows))
	}
	return batch, nil
}
