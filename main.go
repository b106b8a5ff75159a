package main

import (
	"github.com/jonesrussell/adwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		cmd.ExitWithError(err)
	}
}
