// Package main provides the liheap command.
package main

import (
	"os"

	"github.com/nth190/liheap-data-engineering/internal/cli"
)

func main() {
	os.Exit(cli.ExitCode(cli.Execute()))
}
