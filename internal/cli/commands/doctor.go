package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nth190/liheap-data-engineering/internal/cli/output"
	"github.com/nth190/liheap-data-engineering/internal/pipeline"
	"github.com/nth190/liheap-data-engineering/internal/source"
	"github.com/nth190/liheap-data-engineering/internal/warehouse"
	"github.com/spf13/cobra"
)

// Check groups, in report order.
const (
	groupConfig    = "configuration"
	groupInputs    = "inputs"
	groupArtifacts = "artifacts"
	groupWarehouse = "warehouse"
)

// Check statuses.
const (
	checkPass  = "pass"
	checkWarn  = "warn"
	checkError = "error"
)

// NewDoctorCommand creates the doctor command.
func NewDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the project setup",
		Long: `Check that the pipeline configuration loads, every dataset pattern
matches at least one raw file, the crosswalk exists, committed artifacts
verify against their manifests and the warehouse target is available.

Output adapts to environment:
  - Terminal: Styled output with colors
  - Piped/Scripted: Markdown format
  - JSON: Machine-readable format`,
		Example: `  # Run health check
  liheap doctor

  # Output as JSON
  liheap doctor --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd)
		},
	}
}

func runDoctor(cmd *cobra.Command) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := cmdCtx.Cfg
	var checks []output.Check
	add := func(group, name, status, detail string) {
		checks = append(checks, output.Check{Group: group, Name: name, Status: status, Detail: detail})
	}

	add(groupConfig, "config file", checkPass, cfg.ConfigFile)
	add(groupConfig, "pipeline", checkPass, fmt.Sprintf("%d datasets", len(cfg.Pipeline.Datasets)))

	if err := cfg.ValidateDirectories(); err != nil {
		add(groupInputs, "input directory", checkError, firstLine(err.Error()))
	} else {
		add(groupInputs, "input directory", checkPass, cfg.InputDir)
		for i := range cfg.Pipeline.Datasets {
			ds := &cfg.Pipeline.Datasets[i]
			files, err := source.Discover(cfg.InputDir, ds.Files)
			switch {
			case err != nil:
				add(groupInputs, "dataset "+ds.Name, checkError, err.Error())
			case len(files) == 0:
				add(groupInputs, "dataset "+ds.Name, checkError, "no files match "+strings.Join(ds.Files, ", "))
			default:
				add(groupInputs, "dataset "+ds.Name, checkPass, fmt.Sprintf("%d files", len(files)))
			}
		}
		cw := filepath.Join(cfg.InputDir, cfg.Pipeline.Crosswalk.File)
		if _, err := os.Stat(cw); err != nil {
			add(groupInputs, "crosswalk", checkError, "missing "+cw)
		} else {
			add(groupInputs, "crosswalk", checkPass, cw)
		}
	}

	infos, err := cmdCtx.Engine.Stages()
	if err != nil {
		return fmt.Errorf("failed to inspect stages: %w", err)
	}
	for _, info := range infos {
		switch info.Artifact {
		case pipeline.ArtifactVerified:
			add(groupArtifacts, info.Name, checkPass, "verified")
		case pipeline.ArtifactMissing:
			add(groupArtifacts, info.Name, checkWarn, "not built yet")
		default:
			add(groupArtifacts, info.Name, checkError, info.Problem)
		}
	}

	add(groupWarehouse, "target", checkPass, fmt.Sprintf("%s (available: %s)", cfg.Warehouse.Target, strings.Join(warehouse.Targets(), ", ")))

	out := &output.DoctorOutput{Checks: checks}
	for _, c := range checks {
		if c.Status == checkError {
			out.Failed++
		} else {
			out.Passed++
		}
	}

	r := cmdCtx.Renderer
	switch r.EffectiveMode() {
	case output.ModeJSON:
		return r.JSON(out)
	case output.ModeMarkdown:
		renderDoctorMarkdown(r, out)
	default:
		renderDoctorText(r, out)
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func renderDoctorText(r *output.Renderer, out *output.DoctorOutput) {
	styles := r.Styles()
	title := cases.Title(language.English)

	r.Println(styles.Header1.Render("liheap Project Health Report"))
	r.Println(styles.Muted.Render(strings.Repeat("=", 40)))

	group := ""
	for _, c := range out.Checks {
		if c.Group != group {
			group = c.Group
			r.Println("")
			r.Println(styles.Header2.Render(title.String(group)))
		}
		r.StatusLine(c.Name, c.Status, c.Detail)
	}

	r.Println("")
	summary := fmt.Sprintf("%d passed, %d failed", out.Passed, out.Failed)
	if out.Failed > 0 {
		r.Println(styles.Error.Render(summary))
	} else {
		r.Println(styles.Success.Render(summary))
	}
}

func renderDoctorMarkdown(r *output.Renderer, out *output.DoctorOutput) {
	title := cases.Title(language.English)

	r.Println(output.FormatHeader(1, "liheap Project Health Report"))
	group := ""
	for _, c := range out.Checks {
		if c.Group != group {
			group = c.Group
			r.Println("")
			r.Println(output.FormatHeader(2, title.String(group)))
		}
		r.Printf("- [%s] %s: %s\n", c.Status, c.Name, c.Detail)
	}
	r.Println("")
	r.Println(output.FormatKeyValue("Passed", fmt.Sprintf("%d", out.Passed)))
	r.Println(output.FormatKeyValue("Failed", fmt.Sprintf("%d", out.Failed)))
}
