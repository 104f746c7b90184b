package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/hugo-lorenzo-mato/autostop/cmd/autostop/cmd"
)

// Version information - set by goreleaser at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// AUTOSTOP_* settings may come from a local .env file
	_ = godotenv.Load()

	cmd.SetVersion(version, commit, date)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
