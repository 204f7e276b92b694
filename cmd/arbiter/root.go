package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "arbiter",
		Short:         "Sample an LLM's distribution of answers to a single question",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newRunCmd(),
		newResolveCmd(),
		newVerifyCmd(),
		newInitCmd(),
		newValidateCmd(),
		newReportCmd(),
		newReceiptCmd(),
	)

	return root
}
