// Package cli provides the command-line interface for liheap.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nth190/liheap-data-engineering/internal/cli/commands"
	"github.com/nth190/liheap-data-engineering/internal/cli/config"
	"github.com/nth190/liheap-data-engineering/internal/warehouse"
	"github.com/spf13/cobra"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// skipConfig reports whether a command runs without loading configuration.
func skipConfig(name string) bool {
	switch name {
	case "help", "version", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
		return true
	}
	return false
}

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "liheap",
		Short: "liheap - LIHEAP pledge reconciliation pipeline",
		Long: `liheap reconciles LIHEAP pledge records with county-level reference
data (unemployment, income) and produces validated, enriched and
aggregated reporting tables.

Stages run in order: normalize -> resolve -> validate -> enrich -> aggregate.
Every stage commits a verified artifact under the output directory, so
unchanged stages are skipped on the next run.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfig(cmd.Name()) {
				return nil
			}

			cfgFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return &commands.UsageError{Err: err}
			}

			logger := newLogger(cmd.ErrOrStderr(), cfg)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = config.WithConfig(ctx, cfg)
			ctx = config.WithLogger(ctx, logger)
			cmd.SetContext(ctx)

			if cfg.ConfigFile != "" {
				logger.Debug("using config file", slog.String("path", cfg.ConfigFile))
			}
			if cfg.Environment != "" {
				logger.Debug("using environment", slog.String("environment", cfg.Environment))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
`)
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &commands.UsageError{Err: err}
	})

	// Global persistent flags
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ./liheap.yaml)")
	flags.String("input-dir", "", "Directory with raw inputs and the crosswalk")
	flags.String("output-dir", "", "Directory for stage artifacts")
	flags.String("state", "", "Path to state database")
	flags.String("env", "", "Environment from the config file to apply")
	flags.StringP("target", "t", "", "Warehouse target ("+strings.Join(warehouse.Targets(), "|")+")")
	flags.Int("workers", 0, "Row-level parallelism (default: number of CPUs)")
	flags.BoolP("verbose", "v", false, "Verbose output")
	flags.String("log-format", "", "Log format (text|json)")
	flags.StringP("output", "o", "", "Output format (auto|text|markdown|json)")

	_ = rootCmd.RegisterFlagCompletionFunc("output", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return config.OutputFormats, cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("log-format", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return config.LogFormats, cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("target", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return warehouse.Targets(), cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(commands.NewVersionCommand(commands.BuildInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
	}))
	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewStagesCommand())
	rootCmd.AddCommand(commands.NewExportCommand())
	rootCmd.AddCommand(commands.NewDoctorCommand())
	rootCmd.AddCommand(NewCompletionCommand())

	for _, cmd := range rootCmd.Commands() {
		markRunErrors(cmd)
	}

	return rootCmd
}

// newLogger builds the stderr logger: debug with --verbose, JSON with
// --log-format json.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Execute runs the root command with interrupt handling and reports the
// error on stderr.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := NewRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// NewCompletionCommand creates the completion command.
func NewCompletionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for liheap.

To load completions:

Bash:
  $ source <(liheap completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ liheap completion bash > /etc/bash_completion.d/liheap
  # macOS:
  $ liheap completion bash > $(brew --prefix)/etc/bash_completion.d/liheap

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. Execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ liheap completion zsh > "${fpath[1]}/_liheap"

Fish:
  $ liheap completion fish | source

  # To load completions for each session, execute once:
  $ liheap completion fish > ~/.config/fish/completions/liheap.fish

PowerShell:
  PS> liheap completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
			return nil
		},
	}
	return cmd
}
