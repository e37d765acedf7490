// Command shipyard builds and watches a JavaScript/TypeScript framework package
package main

import (
	"fmt"
	"os"

	"github.com/shipyard/shipyard/pkg/cli"
)

// version is set at link time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg := cli.NewConfig()
	cfg.Version = version

	if err := cli.NewCLI(cfg).Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
