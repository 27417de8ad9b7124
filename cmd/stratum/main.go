// stratum is the engine's standalone entry point: it loads the config,
// opens the row store and exposes the engine for local tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "stratum",
		Short: "Document-database engine on a relational row store",
	}
	root.PersistentFlags().StringP("config", "c", "", "config file path")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")

	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
