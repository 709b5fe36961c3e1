// Package main provides the entry point for saltpeterd.
package main

import (
	"os"

	"github.com/syscollective/saltpeter/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
