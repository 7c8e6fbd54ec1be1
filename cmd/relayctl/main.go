package main

import (
	"os"

	"github.com/blockrelay/blockrelay/cmd/relayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
