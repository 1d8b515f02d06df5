// Command cpapctl analyses CPAP acquisition files and talks to a cpapsync
// server from the command line.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
