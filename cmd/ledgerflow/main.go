// Package main is the entry point of the ledgerflow server.
package main

import (
	"os"

	"ledgerflow/cmd/ledgerflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
