// ABOUTME: Entry point for the offline sync simulator
// ABOUTME: Runs the cobra command tree and maps errors to the exit code
package main

import (
	"fmt"
	"os"

	"github.com/Sendspin/twsync/internal/simcli"
)

func main() {
	if err := simcli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
