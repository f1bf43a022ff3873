package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "omni",
		Short: "Multi-tenant omnichannel hub bridging messaging channels to AI agents",
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the hub server",
			Run: func(cmd *cobra.Command, args []string) {
				runServe()
			},
		},
		migrateCommand(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
