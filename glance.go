package main

import (
	"fmt"
	"os"

	cli "github.com/neboloop/glance/cmd/glance"

	"github.com/joho/godotenv"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	cli.Version = version
	if err := cli.SetupRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
