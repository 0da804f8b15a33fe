package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/binderkit/go-binder"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the binder protocol version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("binderctl: protocol version %d\n", binder.ProtocolVersion)
	},
}
