// Command portico-lint lints an API definition file offline with the same
// pipeline the server runs.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := newRootCmd()
	root.CompletionOptions.DisableDefaultCmd = true
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errThreshold) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
