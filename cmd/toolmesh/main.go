package main

import (
	"os"

	"github.com/toolmesh/discovery/cmd/toolmesh/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
