package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nth190/liheap-data-engineering/pkg/core"
)

func commitStage(t *testing.T, out, stage string, files map[string]string) *Manifest {
	t.Helper()
	s, err := Begin(out, stage)
	require.NoError(t, err)
	for name, content := range files {
		require.NoError(t, s.WriteFile(name, []byte(content), strings.Count(content, "\n")))
	}
	m, err := s.Commit(context.Background(), "fp-"+stage, []FileHash{{Path: "raw/b.csv", SHA256: "b"}, {Path: "raw/a.csv", SHA256: "a"}})
	require.NoError(t, err)
	return m
}

func TestStaging_CommitAndVerify(t *testing.T) {
	out := t.TempDir()
	m := commitStage(t, out, "normalize", map[string]string{
		"liheap.csv":  "a,b\n1,2\n",
		"rejects.csv": "dataset\n",
	})

	assert.Equal(t, "normalize", m.Stage)
	require.Len(t, m.Outputs, 2)
	assert.Equal(t, "liheap.csv", m.Outputs[0].Path)
	assert.Equal(t, "rejects.csv", m.Outputs[1].Path)
	assert.Equal(t, "raw/a.csv", m.Inputs[0].Path)

	verified, err := Verify(filepath.Join(out, "normalize"))
	require.NoError(t, err)
	assert.Equal(t, "fp-normalize", verified.Fingerprint)
	assert.Equal(t, m.Outputs, verified.Outputs)

	data, err := os.ReadFile(filepath.Join(out, "normalize", ManifestFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "fingerprint: fp-normalize")

	entries, err := filepath.Glob(filepath.Join(out, ".staging-*"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStaging_ManifestIsDeterministic(t *testing.T) {
	files := map[string]string{"x.csv": "x\n1\n", "y.csv": "y\n2\n", "z.json": "{}\n"}
	a, b := t.TempDir(), t.TempDir()
	commitStage(t, a, "resolve", files)
	commitStage(t, b, "resolve", files)

	ma, err := os.ReadFile(filepath.Join(a, "resolve", ManifestFile))
	require.NoError(t, err)
	mb, err := os.ReadFile(filepath.Join(b, "resolve", ManifestFile))
	require.NoError(t, err)
	assert.Equal(t, string(ma), string(mb))
}

func TestStaging_VerifyDetectsTampering(t *testing.T) {
	out := t.TempDir()
	commitStage(t, out, "validate", map[string]string{"liheap.csv": "a\n1\n"})

	require.NoError(t, os.WriteFile(filepath.Join(out, "validate", "liheap.csv"), []byte("a\n2\n"), 0o644))
	_, err := Verify(filepath.Join(out, "validate"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrIO))
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestStaging_CommitReplacesPrevious(t *testing.T) {
	out := t.TempDir()
	commitStage(t, out, "enrich", map[string]string{"old.csv": "a\n"})
	commitStage(t, out, "enrich", map[string]string{"enriched.csv": "b\n"})

	_, err := os.Stat(filepath.Join(out, "enrich", "old.csv"))
	assert.True(t, os.IsNotExist(err))
	_, err = Verify(filepath.Join(out, "enrich"))
	require.NoError(t, err)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "enrich", entries[0].Name())
}

func TestStaging_AbortAndCancel(t *testing.T) {
	out := t.TempDir()
	commitStage(t, out, "aggregate", map[string]string{"aggregated.csv": "a\n1\n"})

	s, err := Begin(out, "aggregate")
	require.NoError(t, err)
	require.NoError(t, s.WriteFile("aggregated.csv", []byte("a\n2\n"), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Commit(ctx, "fp", nil)
	require.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(s.Dir())
	assert.True(t, os.IsNotExist(err), "staging directory removed")

	data, err := os.ReadFile(filepath.Join(out, "aggregate", "aggregated.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a\n1\n", string(data), "committed artifact untouched")

	assert.NoError(t, s.Abort())
}

func TestReadManifest_Missing(t *testing.T) {
	_, err := ReadManifest(t.TempDir())
	assert.ErrorIs(t, err, ErrNoManifest)
}

func TestCleanStaging(t *testing.T) {
	out := t.TempDir()
	_, err := Begin(out, "normalize")
	require.NoError(t, err)
	_, err = Begin(out, "resolve")
	require.NoError(t, err)

	require.NoError(t, CleanStaging(out))
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCleanStaging_RestoresMovedAsideArtifact(t *testing.T) {
	out := t.TempDir()
	want := commitStage(t, out, "enrich", map[string]string{"enriched.csv": "a\n1\n"})

	// Interrupted Commit: the previous artifact was moved aside and the new
	// one never landed.
	require.NoError(t, os.Rename(filepath.Join(out, "enrich"), filepath.Join(out, ".staging-enrich-4821.old")))
	_, err := Begin(out, "enrich")
	require.NoError(t, err)

	require.NoError(t, CleanStaging(out))
	got, err := Verify(filepath.Join(out, "enrich"))
	require.NoError(t, err)
	assert.Equal(t, want.Fingerprint, got.Fingerprint)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "enrich", entries[0].Name())
}

func TestCleanStaging_DropsSupersededArtifact(t *testing.T) {
	out := t.TempDir()
	commitStage(t, out, "resolve", map[string]string{"resolved.csv": "new\n"})
	old := filepath.Join(out, ".staging-resolve-77.old")
	require.NoError(t, os.Mkdir(old, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(old, "resolved.csv"), []byte("old\n"), 0o644))

	require.NoError(t, CleanStaging(out))
	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(out, "resolve", "resolved.csv"))
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))
}

func TestMovedAsideStage(t *testing.T) {
	tests := []struct {
		name  string
		stage string
		ok    bool
	}{
		{".staging-enrich-123.old", "enrich", true},
		{".staging-state-aggregate-9.old", "state-aggregate", true},
		{".staging-enrich-123", "", false},
		{".staging--1.old", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage, ok := movedAsideStage(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.stage, stage)
		})
	}
}
