// Package pipeline runs the stage graph Normalize -> Resolve -> Validate ->
// Enrich -> Aggregate over a directory of raw inputs.
//
// Stages run strictly in order. Each stage reads the committed artifact of
// its upstream, writes its own artifact through a staging directory and
// commits it atomically. A stage whose fingerprint matches its committed
// manifest is skipped unless forced. Run history is kept in the state store.
package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/internal/dag"
	"github.com/nth190/liheap-data-engineering/internal/state"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Stage names, in execution order.
const (
	StageNormalize = "normalize"
	StageResolve   = "resolve"
	StageValidate  = "validate"
	StageEnrich    = "enrich"
	StageAggregate = "aggregate"
)

// FailuresDir holds abort reports under the output directory.
const FailuresDir = "_failures"

// Config holds engine configuration.
type Config struct {
	// InputDir is the root of the raw input files and the crosswalk.
	InputDir string
	// OutputDir receives one directory per stage.
	OutputDir string
	// StatePath is the path to the SQLite state database.
	StatePath string
	// Pipeline is the validated pipeline configuration.
	Pipeline *config.Pipeline
	// Logger is the structured logger (optional, uses discard if nil).
	Logger *slog.Logger
}

// Engine orchestrates pipeline runs.
type Engine struct {
	inputDir  string
	outputDir string
	cfg       *config.Pipeline
	store     core.Store
	graph     *dag.Graph[*stageDef]
	logger    *slog.Logger
}

// New creates an engine and opens its state store.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline configuration is required")
	}

	logger.Debug("initializing engine", "input_dir", cfg.InputDir, "output_dir", cfg.OutputDir)

	statePath := cfg.StatePath
	if statePath == "" {
		statePath = ":memory:"
	}
	store := state.NewSQLiteStore(logger)
	if err := store.Open(statePath); err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}

	graph, err := stageGraph()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Engine{
		inputDir:  cfg.InputDir,
		outputDir: cfg.OutputDir,
		cfg:       cfg.Pipeline,
		store:     store,
		graph:     graph,
		logger:    logger,
	}, nil
}

// Close releases the state store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store returns the run-state store.
func (e *Engine) Store() core.Store {
	return e.store
}

// StageNames returns the stage names in execution order.
func StageNames() []string {
	return []string{StageNormalize, StageResolve, StageValidate, StageEnrich, StageAggregate}
}

func stageGraph() (*dag.Graph[*stageDef], error) {
	g := dag.NewGraph[*stageDef]()
	defs := stageDefs()
	for _, name := range StageNames() {
		g.AddNode(name, defs[name])
	}
	names := StageNames()
	for i := 1; i < len(names); i++ {
		if err := g.AddEdge(names[i-1], names[i]); err != nil {
			return nil, err
		}
	}
	return g, nil
}
