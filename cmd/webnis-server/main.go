package main

import (
	"fmt"
	"os"

	"github.com/webnis/webnis/cmd/webnis-server/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "webnis-server: %v\n", err)
		os.Exit(1)
	}
}
