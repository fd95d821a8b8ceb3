// ./main.go
package main

import (
	"github.com/xkilldash9x/council-cli/cmd"
)

// main is the entry point for the council CLI application.
func main() {
	// Execute the root command defined in the cmd package.
	// This handles all command-line parsing, configuration, and execution.
	cmd.Execute()
}
