// Package main is the entry point for the wemind CLI.
package main

import (
	"os"

	"github.com/wemind/wemind/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
