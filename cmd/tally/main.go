package main

import (
	"os"

	"github.com/xraph/tally/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
