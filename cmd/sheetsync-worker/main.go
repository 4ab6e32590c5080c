// Package main is the entry point of the sheet sync worker.
package main

import (
	"os"

	"github.com/rzpsarthak13/sheetsync/cmd/sheetsync-worker/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
