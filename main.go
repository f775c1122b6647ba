package main

import (
	"os"

	"github.com/AshfordSecurity/carousel/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
