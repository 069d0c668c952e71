package main

import (
	"os"

	"github.com/chainsight-systems/chainsight-pipeline/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
