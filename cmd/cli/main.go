// Package main is the entry point for genctl, the genplane CLI.
// The CLI is the operator and developer terminal tool for the genplane API.
package main

import (
	"os"

	"genplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
