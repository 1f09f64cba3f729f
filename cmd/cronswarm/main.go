package main

// ============================================================================
// Responsibilities:
// 1. Entry point of the cronswarm binary
// 2. Build and execute the CLI
// 3. Report top-level errors and panics on stderr
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/cronswarm/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
