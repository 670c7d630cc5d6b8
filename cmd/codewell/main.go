// Package main provides the entry point for the codewell CLI.
package main

import (
	"os"

	"github.com/codewell-dev/codewell/cmd/codewell/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
