// Command fieldsync manages the offline-first incident report queue: it
// stores reports locally, watches connectivity, and pushes queued reports to
// the relief-ops API whenever the network allows.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
