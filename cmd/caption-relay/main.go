// Package main is the entry point for the caption-relay application.
package main

import (
	"os"

	"github.com/livesub/caption-relay/cmd/caption-relay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
