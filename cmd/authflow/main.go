// Command authflow runs a standalone authflow server with the password, code
// and link adapters mounted.
//
// Configuration comes from an optional YAML/TOML/JSON file (--config),
// AUTHFLOW_* environment variables (AUTHFLOW_STORAGE_BACKEND=redis) and
// command-line flags, in increasing order of precedence.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
