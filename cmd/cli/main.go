// Package main is the entry point for the exporthub CLI.
// The CLI is the operator terminal tool for managing export snapshots.
package main

import (
	"os"

	"exporthub/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
