package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "limitsim",
		Short:        "Concurrency limit simulator",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd())
	return root
}
