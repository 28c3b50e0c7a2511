package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nth190/liheap-data-engineering/internal/cli/commands"
	"github.com/nth190/liheap-data-engineering/internal/cli/output"
	"github.com/nth190/liheap-data-engineering/internal/cli/testutil"
	"github.com/nth190/liheap-data-engineering/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type project struct {
	dir    string
	output string
	state  string
}

func newProject(t *testing.T) *project {
	t.Helper()
	dir := testutil.SetupTestProject(t)
	return &project{
		dir:    dir,
		output: filepath.Join(dir, "out"),
		state:  filepath.Join(dir, "state", "state.db"),
	}
}

// exec runs the root command against the project and returns stdout,
// stderr and the error Execute would see.
func (p *project) exec(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	base := []string{
		"--config", filepath.Join(p.dir, "liheap.yaml"),
		"--input-dir", p.dir,
		"--output-dir", p.output,
		"--state", p.state,
	}
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := NewRootCmd()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append(args, base...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRun_All(t *testing.T) {
	p := newProject(t)

	stdout, _, err := p.exec(t, "run", "--all", "--output", "json")
	require.NoError(t, err)
	assert.Equal(t, ExitOK, ExitCode(err))

	var out output.RunOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, "completed", out.Status)
	require.Len(t, out.Stages, 5)
	for _, s := range out.Stages {
		assert.Equal(t, "succeeded", s.Status, s.Stage)
	}
	assert.Nil(t, out.Failure)

	// Second run skips every stage.
	stdout, _, err = p.exec(t, "run", "--all", "--output", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	for _, s := range out.Stages {
		assert.Equal(t, "skipped", s.Status, s.Stage)
	}
}

func TestRun_Markdown(t *testing.T) {
	p := newProject(t)

	stdout, _, err := p.exec(t, "run", "--all", "--output", "markdown")
	require.NoError(t, err)
	testutil.AssertNoANSI(t, stdout)
	testutil.AssertValidMarkdown(t, stdout)
	assert.Contains(t, stdout, "# Run ")
	assert.Contains(t, stdout, "| normalize")
	assert.Contains(t, stdout, "run completed")
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"no selection", []string{"run"}, "specify --all or at least one --stage"},
		{"both", []string{"run", "--all", "--stage", "enrich"}, "mutually exclusive"},
		{"unknown stage", []string{"run", "--stage", "publish"}, `unknown stage "publish"`},
		{"unknown flag", []string{"run", "--bogus"}, "unknown flag"},
		{"extra args", []string{"run", "--all", "extra"}, "unknown command"},
		{"bad output", []string{"run", "--all", "--output", "yaml"}, "output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProject(t)
			_, _, err := p.exec(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, ExitUsage, ExitCode(err))
		})
	}
}

func TestRun_FailureExitCode(t *testing.T) {
	p := newProject(t)
	cfgPath := filepath.Join(p.dir, "liheap.yaml")
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	strict := strings.Replace(string(data), "max_quarantine_ratio: 0.5", "max_quarantine_ratio: 0.1", 1)
	require.NoError(t, os.WriteFile(cfgPath, []byte(strict), 0o644))

	stdout, _, err := p.exec(t, "run", "--all", "--output", "json")
	require.Error(t, err)
	assert.Equal(t, ExitKeyResolution, ExitCode(err))

	var out output.RunOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "failed", out.Status)
	require.NotNil(t, out.Failure)
	assert.Equal(t, "resolve", out.Failure.Stage)
	assert.Equal(t, "KeyResolutionError", out.Failure.ErrorClass)
	assert.Equal(t, 2, out.Failure.AffectedRows)
}

func TestStatus(t *testing.T) {
	p := newProject(t)

	stdout, _, err := p.exec(t, "status", "--output", "markdown")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No runs recorded yet")

	_, _, err = p.exec(t, "run", "--all", "--output", "json")
	require.NoError(t, err)

	stdout, _, err = p.exec(t, "status", "--output", "json")
	require.NoError(t, err)
	var out output.StatusOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Len(t, out.Runs, 1)
	assert.Equal(t, "completed", out.Runs[0].Status)
	assert.Len(t, out.Runs[0].Stages, 5)

	_, _, err = p.exec(t, "status", "--limit", "0")
	assert.Equal(t, ExitUsage, ExitCode(err))
}

func TestStages(t *testing.T) {
	p := newProject(t)

	stdout, _, err := p.exec(t, "stages", "--output", "json")
	require.NoError(t, err)
	var out output.StagesOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Len(t, out.Stages, 5)
	assert.Equal(t, "normalize", out.Stages[0].Name)
	assert.Empty(t, out.Stages[0].DependsOn)
	assert.Equal(t, []string{"normalize"}, out.Stages[1].DependsOn)
	for _, s := range out.Stages {
		assert.Equal(t, "missing", s.Artifact, s.Name)
	}

	_, _, err = p.exec(t, "run", "--all", "--output", "json")
	require.NoError(t, err)

	stdout, _, err = p.exec(t, "dag", "--output", "markdown")
	require.NoError(t, err)
	testutil.AssertNoANSI(t, stdout)
	assert.Contains(t, stdout, "# Pipeline Stages")
	assert.Contains(t, stdout, "- **Artifact:** verified")
}

func TestExport_DuckDB(t *testing.T) {
	p := newProject(t)

	_, _, err := p.exec(t, "run", "--all", "--output", "json")
	require.NoError(t, err)

	stdout, _, err := p.exec(t, "export", "--output", "json")
	require.NoError(t, err)
	var out output.ExportOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "duckdb", out.Target)
	require.Len(t, out.Tables, 2)
	assert.Equal(t, "liheap_enriched", out.Tables[0].Table)
	assert.Equal(t, "liheap_aggregated", out.Tables[1].Table)
	for _, tbl := range out.Tables {
		assert.Positive(t, tbl.Rows, tbl.Table)
	}
	assert.FileExists(t, filepath.Join(p.output, "liheap.duckdb"))
}

func TestExport_UsageErrors(t *testing.T) {
	p := newProject(t)

	_, _, err := p.exec(t, "export", "--format", "avro")
	assert.Equal(t, ExitUsage, ExitCode(err))

	_, _, err = p.exec(t, "export", "--target", "mysql")
	assert.Equal(t, ExitUsage, ExitCode(err))
}

func TestExport_BeforeRun(t *testing.T) {
	p := newProject(t)

	_, _, err := p.exec(t, "export")
	require.Error(t, err)
	assert.Equal(t, ExitIO, ExitCode(err))
}

func TestDoctor(t *testing.T) {
	p := newProject(t)

	stdout, _, err := p.exec(t, "doctor", "--output", "json")
	require.NoError(t, err)
	var out output.DoctorOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Zero(t, out.Failed)
	assert.Positive(t, out.Passed)

	names := make([]string, 0, len(out.Checks))
	for _, c := range out.Checks {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "dataset liheap")
	assert.Contains(t, names, "crosswalk")
}

func TestVersion(t *testing.T) {
	stdout := &bytes.Buffer{}
	cmd := NewRootCmd()
	cmd.SetOut(stdout)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, stdout.String(), "liheap v"+Version)
}

func TestExitCode(t *testing.T) {
	stageErr := func(class error) error {
		return &core.StageError{Stage: "validate", Err: fmt.Errorf("rule failed: %w", class)}
	}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"usage", commands.Usagef("bad flag"), ExitUsage},
		{"schema", stageErr(core.ErrSchema), ExitSchema},
		{"key resolution", stageErr(core.ErrKeyResolution), ExitKeyResolution},
		{"validation fatal", stageErr(core.ErrValidationFatal), ExitValidationFatal},
		{"duplicate key", stageErr(core.ErrDuplicateKey), ExitDuplicateKey},
		{"io", stageErr(core.ErrIO), ExitIO},
		{"internal", &runError{err: errors.New("boom")}, ExitInternal},
		{"cobra", errors.New(`unknown command "x" for "liheap"`), ExitUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
