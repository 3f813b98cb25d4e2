// Package main is the entry point for the autotune CLI.
package main

import (
	"os"

	"github.com/KafClaw/autotune/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
