package main

import (
	"os"

	"github.com/lowaak/wristlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
