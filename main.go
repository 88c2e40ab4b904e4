package main

import (
	"os"

	"github.com/trducng/theflow/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
