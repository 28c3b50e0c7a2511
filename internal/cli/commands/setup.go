package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nth190/liheap-data-engineering/internal/cli/config"
	"github.com/nth190/liheap-data-engineering/internal/cli/output"
	"github.com/nth190/liheap-data-engineering/internal/pipeline"
	"github.com/spf13/cobra"
)

// ErrUsage classifies command-line and configuration mistakes.
var ErrUsage = errors.New("usage error")

// UsageError reports a command-line or configuration mistake.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }

// Unwrap returns the underlying error.
func (e *UsageError) Unwrap() error { return e.Err }

// Is implements errors.Is support.
func (e *UsageError) Is(target error) bool { return target == ErrUsage }

// Usagef returns a formatted UsageError.
func Usagef(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Engine   *pipeline.Engine
	Renderer *output.Renderer
}

// NewCommandContext creates a CommandContext with engine and renderer.
// Returns the context and a cleanup function that must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command) (*CommandContext, func(), error) {
	cmdCtx, err := NewCommandContextWithoutEngine(cmd)
	if err != nil {
		return nil, nil, err
	}
	if err := cmdCtx.Cfg.RequirePipeline(); err != nil {
		return nil, nil, &UsageError{Err: err}
	}

	eng, err := createEngine(cmdCtx.Cfg, cmdCtx.Logger)
	if err != nil {
		return nil, nil, err
	}
	cmdCtx.Engine = eng

	cleanup := func() {
		_ = eng.Close()
	}
	return cmdCtx, cleanup, nil
}

// NewCommandContextWithoutEngine creates a CommandContext without an engine.
// Useful for commands that don't need the pipeline configuration.
func NewCommandContextWithoutEngine(cmd *cobra.Command) (*CommandContext, error) {
	cfg, ok := config.FromContext(cmd.Context())
	if !ok {
		return nil, fmt.Errorf("configuration not loaded")
	}
	logger := config.GetLogger(cmd.Context())
	r := output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.OutputFormat))

	return &CommandContext{
		Cfg:      cfg,
		Logger:   logger,
		Renderer: r,
	}, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o750)
}

func createEngine(cfg *config.Config, logger *slog.Logger) (*pipeline.Engine, error) {
	if err := ensureParentDir(cfg.StatePath); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return pipeline.New(pipeline.Config{
		InputDir:  cfg.InputDir,
		OutputDir: cfg.OutputDir,
		StatePath: cfg.StatePath,
		Pipeline:  cfg.Pipeline,
		Logger:    logger,
	})
}
