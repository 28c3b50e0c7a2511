package cli

import (
	"errors"

	"github.com/nth190/liheap-data-engineering/internal/cli/commands"
	"github.com/nth190/liheap-data-engineering/pkg/core"
	"github.com/spf13/cobra"
)

// Process exit codes.
const (
	ExitOK              = 0
	ExitInternal        = 1
	ExitUsage           = 2
	ExitSchema          = 3
	ExitKeyResolution   = 4
	ExitValidationFatal = 5
	ExitDuplicateKey    = 6
	ExitIO              = 7
)

// runError marks an error returned by a command's RunE, as opposed to
// argument and flag errors raised by cobra before the command runs.
type runError struct {
	err error
}

func (e *runError) Error() string { return e.err.Error() }

func (e *runError) Unwrap() error { return e.err }

// markRunErrors wraps the RunE of cmd and its subcommands.
func markRunErrors(cmd *cobra.Command) {
	if run := cmd.RunE; run != nil {
		cmd.RunE = func(c *cobra.Command, args []string) error {
			if err := run(c, args); err != nil {
				return &runError{err: err}
			}
			return nil
		}
	}
	for _, sub := range cmd.Commands() {
		markRunErrors(sub)
	}
}

// ExitCode maps an error returned by Execute to a process exit code.
// Pipeline failures map by error class; usage and configuration mistakes
// map to ExitUsage; anything else raised while a command ran is internal.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, commands.ErrUsage) {
		return ExitUsage
	}
	switch core.ErrorClass(err) {
	case "SchemaError":
		return ExitSchema
	case "KeyResolutionError":
		return ExitKeyResolution
	case "ValidationFatal":
		return ExitValidationFatal
	case "DuplicateKeyError":
		return ExitDuplicateKey
	case "IOError":
		return ExitIO
	}
	var re *runError
	if errors.As(err, &re) {
		return ExitInternal
	}
	return ExitUsage
}
