package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

const defaultConfigPath = "helmsman.yaml"

func main() {
	root := &cobra.Command{
		Use:           "helmsman",
		Short:         "Helmsman: AI routing and spend control for a community support bot",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newBudgetCmd(),
		newHistoryCmd(),
		newCacheCmd(),
		newAuditCmd(),
		newToolsCmd(),
		newMCPCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
