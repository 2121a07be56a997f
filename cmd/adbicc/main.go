package main

import (
	"os"

	"github.com/adbi-tools/adbicc/cmd/adbicc/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
