// ./main.go
package main

import (
	"github.com/pinewright/pinewright/cmd"
)

// main is the entry point for the pinewright CLI.
func main() {
	// Execute the root command defined in the cmd package.
	// This handles all command-line parsing, configuration, and execution.
	cmd.Execute()
}
