// Package main is the entry point for the oppwatch CLI.
package main

import (
	"os"

	"github.com/oppwatch/oppwatch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
