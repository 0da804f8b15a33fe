// Command binderctl demonstrates a binder domain in a single process:
// participants join, one becomes the context manager, and the rest exchange
// transactions per a YAML session file, mirroring spec.md's worked
// scenarios (S1, S5, S6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/binderkit/go-binder"
)

var rootCmd = &cobra.Command{
	Use:     "binderctl",
	Short:   "Drive a go-binder domain from the command line",
	Version: fmt.Sprintf("%d", binder.ProtocolVersion),
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}
