package main

import (
	"os"

	"github.com/websoft9/sshpool/cmd/sshctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
