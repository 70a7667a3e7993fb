package main

import (
	"os"

	"github.com/shehryarbajwa/browser-agent/internal/cli"
)

func main() {
	if err := cli.Execute(os.Stderr); err != nil {
		os.Exit(1)
	}
}
