package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Staging collects the files of one stage before commit.
type Staging struct {
	stage string
	final string
	dir   string
	files map[string]FileHash
	done  bool
}

// Begin creates a staging directory next to the stage's final directory.
func Begin(outputDir, stage string) (*Staging, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, core.WrapIO("mkdir", outputDir, err)
	}
	dir, err := os.MkdirTemp(outputDir, ".staging-"+stage+"-")
	if err != nil {
		return nil, core.WrapIO("mkdir", outputDir, err)
	}
	return &Staging{
		stage: stage,
		final: filepath.Join(outputDir, stage),
		dir:   dir,
		files: make(map[string]FileHash),
	}, nil
}

// Dir returns the staging directory.
func (s *Staging) Dir() string {
	return s.dir
}

// WriteFile writes data as name and records its hash.
func (s *Staging) WriteFile(name string, data []byte, rows int) error {
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return core.WrapIO("write", path, err)
	}
	s.files[name] = FileHash{Path: name, SHA256: HashBytes(data), Rows: rows}
	return nil
}

// WriteTable encodes a table as CSV.
func (s *Staging) WriteTable(name string, t Table) error {
	data, err := t.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return s.WriteFile(name, data, len(t.Rows))
}

// WriteJSON writes v as indented JSON with a trailing newline.
func (s *Staging) WriteJSON(name string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return s.WriteFile(name, buf.Bytes(), 0)
}

// Commit writes the manifest and replaces the stage directory with the
// staged files. A cancelled context aborts before anything is replaced.
func (s *Staging) Commit(ctx context.Context, fingerprint string, inputs []FileHash) (*Manifest, error) {
	if s.done {
		return nil, fmt.Errorf("staging for %s already finished", s.stage)
	}
	if err := ctx.Err(); err != nil {
		_ = s.Abort()
		return nil, err
	}

	m := &Manifest{Stage: s.stage, Fingerprint: fingerprint, Inputs: inputs}
	for _, f := range s.files {
		m.Outputs = append(m.Outputs, f)
	}
	sort.Slice(m.Outputs, func(i, j int) bool { return m.Outputs[i].Path < m.Outputs[j].Path })
	sort.Slice(m.Inputs, func(i, j int) bool { return m.Inputs[i].Path < m.Inputs[j].Path })

	data, err := encodeManifest(m)
	if err != nil {
		_ = s.Abort()
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, ManifestFile), data, 0o644); err != nil {
		_ = s.Abort()
		return nil, core.WrapIO("write", filepath.Join(s.dir, ManifestFile), err)
	}

	// Move the previous artifact aside so the final rename lands on a free path.
	old := ""
	if _, err := os.Stat(s.final); err == nil {
		old = s.dir + ".old"
		if err := os.Rename(s.final, old); err != nil {
			_ = s.Abort()
			return nil, core.WrapIO("rename", s.final, err)
		}
	}
	if err := os.Rename(s.dir, s.final); err != nil {
		if old != "" {
			_ = os.Rename(old, s.final)
		}
		_ = s.Abort()
		return nil, core.WrapIO("rename", s.dir, err)
	}
	s.done = true
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			return nil, core.WrapIO("remove", old, err)
		}
	}
	return m, nil
}

// Abort removes the staging directory. It is safe to call after Commit.
func (s *Staging) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := os.RemoveAll(s.dir); err != nil {
		return core.WrapIO("remove", s.dir, err)
	}
	return nil
}

// CleanStaging removes staging directories left by an interrupted run. A
// previous artifact moved aside by a Commit that never completed is put back
// when its stage directory is missing.
func CleanStaging(outputDir string) error {
	matches, err := filepath.Glob(filepath.Join(outputDir, ".staging-*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if stage, ok := movedAsideStage(filepath.Base(m)); ok {
			final := filepath.Join(outputDir, stage)
			if _, err := os.Stat(final); os.IsNotExist(err) {
				if err := os.Rename(m, final); err != nil {
					return core.WrapIO("rename", m, err)
				}
				continue
			}
		}
		if err := os.RemoveAll(m); err != nil {
			return core.WrapIO("remove", m, err)
		}
	}
	return nil
}

// movedAsideStage returns the stage of a ".staging-<stage>-<n>.old" name.
func movedAsideStage(name string) (string, bool) {
	rest, ok := strings.CutSuffix(strings.TrimPrefix(name, ".staging-"), ".old")
	if !ok {
		return "", false
	}
	i := strings.LastIndex(rest, "-")
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}
