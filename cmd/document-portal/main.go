// Package main provides the entry point for the document portal.
package main

import (
	"fmt"
	"os"

	"github.com/ajaxzhan/document-portal/internal/cli/commands"
)

// Set by ldflags
var (
	version = "dev"
	commit  = "none"
)

func main() {
	commands.SetVersion(version, commit)
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
