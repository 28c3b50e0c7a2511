package commands

import (
	"fmt"
	"strings"

	"github.com/nth190/liheap-data-engineering/internal/cli/output"
	"github.com/nth190/liheap-data-engineering/internal/pipeline"
	"github.com/spf13/cobra"
)

// NewStagesCommand creates the stages command.
func NewStagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "Show the stage graph and artifact status",
		Long: `Show every pipeline stage in execution order with its upstream stage,
the state of its committed artifact (verified, missing or invalid) and its
most recent run.

Output adapts to environment:
  - Terminal: Styled, colored output
  - Piped/Scripted: Markdown format (agent-friendly)

Use --output to override: auto, text, markdown, json`,
		Example: `  # Show stages
  liheap stages

  # Show stages as JSON
  liheap stages --output json`,
		Aliases: []string{"dag"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStages(cmd)
		},
	}
}

func runStages(cmd *cobra.Command) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	infos, err := cmdCtx.Engine.Stages()
	if err != nil {
		return fmt.Errorf("failed to inspect stages: %w", err)
	}
	out := buildStagesOutput(infos)

	r := cmdCtx.Renderer
	switch r.EffectiveMode() {
	case output.ModeJSON:
		return r.JSON(out)
	case output.ModeMarkdown:
		stagesMarkdown(r, out)
	default:
		stagesText(r, out)
	}
	return nil
}

func buildStagesOutput(infos []pipeline.StageInfo) *output.StagesOutput {
	out := &output.StagesOutput{Stages: make([]output.StageState, 0, len(infos))}
	for _, info := range infos {
		s := output.StageState{
			Name:        info.Name,
			DependsOn:   info.DependsOn,
			Artifact:    info.Artifact,
			Problem:     info.Problem,
			Fingerprint: info.Fingerprint,
		}
		if s.DependsOn == nil {
			s.DependsOn = []string{}
		}
		for _, f := range info.Outputs {
			s.Files = append(s.Files, output.ArtifactFile{Path: f.Path, SHA256: f.SHA256, Rows: f.Rows})
		}
		if info.LastRun != nil {
			last := stageRunOutcome(info.LastRun)
			s.LastRun = &last
		}
		if info.Failure != nil {
			s.Failure = fromFailureReport(info.Failure)
		}
		out.Stages = append(out.Stages, s)
	}
	return out
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// stagesText outputs stages in styled text format.
func stagesText(r *output.Renderer, out *output.StagesOutput) {
	styles := r.Styles()
	r.Header(1, "Pipeline Stages")

	for i, s := range out.Stages {
		detail := s.Artifact
		if s.Fingerprint != "" {
			detail += " " + shortHash(s.Fingerprint)
		}
		r.StatusLine(fmt.Sprintf("%d. %s", i+1, styles.Stage.Render(s.Name)), s.Artifact, detail)
		if len(s.DependsOn) > 0 {
			r.Printf("    %s %s\n", styles.Muted.Render("depends on:"), strings.Join(s.DependsOn, ", "))
		}
		if s.Problem != "" {
			r.Printf("    %s %s\n", styles.Error.Render("problem:"), s.Problem)
		}
		for _, f := range s.Files {
			r.Printf("    %s %s rows\n", f.Path, r.Number(f.Rows))
		}
		if s.LastRun != nil {
			r.Printf("    %s %s %s\n", styles.Muted.Render("last run:"), s.LastRun.Status, s.LastRun.Reason)
		}
		if s.Failure != nil {
			r.Printf("    %s %s: %s\n", styles.Error.Render("aborted:"), s.Failure.ErrorClass, s.Failure.Error)
		}
	}
}

// stagesMarkdown outputs stages in markdown format.
func stagesMarkdown(r *output.Renderer, out *output.StagesOutput) {
	r.Println(output.FormatHeader(1, "Pipeline Stages"))
	r.Println("")

	for _, s := range out.Stages {
		r.Println(output.FormatHeader(2, s.Name))
		r.Println(output.FormatKeyValue("Artifact", s.Artifact))
		if len(s.DependsOn) > 0 {
			r.Println(output.FormatKeyValue("Depends on", strings.Join(s.DependsOn, ", ")))
		}
		if s.Fingerprint != "" {
			r.Println(output.FormatKeyValue("Fingerprint", s.Fingerprint))
		}
		if s.Problem != "" {
			r.Println(output.FormatKeyValue("Problem", s.Problem))
		}
		for _, f := range s.Files {
			r.Println(output.FormatKeyValue(f.Path, r.Number(f.Rows)+" rows"))
		}
		if s.LastRun != nil {
			r.Println(output.FormatKeyValue("Last run", s.LastRun.Status))
		}
		if s.Failure != nil {
			r.Println(output.FormatKeyValue("Aborted", s.Failure.ErrorClass+": "+s.Failure.Error))
		}
		r.Println("")
	}
}
