package main

import (
	"os"

	"github.com/skein-dev/skein/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
