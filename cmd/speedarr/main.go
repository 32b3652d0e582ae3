// Package main is the entry point for the speedarr application.
package main

import (
	"os"

	"github.com/speedarr/speedarr/cmd/speedarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
