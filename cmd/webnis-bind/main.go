package main

import (
	"fmt"
	"os"

	"github.com/webnis/webnis/cmd/webnis-bind/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "webnis-bind: %v\n", err)
		os.Exit(1)
	}
}
