package main

import (
	"os"

	"github.com/wedgelab/fusewedge/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
