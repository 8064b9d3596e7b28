// Command relay is the local message relay for AI coding agent CLIs.
package main

import (
	"fmt"
	"os"

	"github.com/tessro/relay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}
