package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// BuildInfo identifies a liheap build.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// NewVersionCommand creates the version command.
func NewVersionCommand(info BuildInfo) *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display the liheap version, the commit and date it was built from and the Go runtime.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			if short {
				_, _ = fmt.Fprintln(w, info.Version)
				return
			}
			_, _ = fmt.Fprintf(w, "liheap v%s\n", info.Version)
			_, _ = fmt.Fprintln(w, "LIHEAP pledge reconciliation and validation pipeline")
			_, _ = fmt.Fprintf(w, "  commit:  %s\n", info.Commit)
			_, _ = fmt.Fprintf(w, "  built:   %s\n", info.BuildDate)
			_, _ = fmt.Fprintf(w, "  runtime: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "Print only the version number")
	return cmd
}
