package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "simforge",
	Short: "simforge CLI",
	Long: "-------------------------------------------------------------------\n" +
		"                          simforge CLI\n" +
		"-------------------------------------------------------------------",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	cobra.EnableCommandSorting = false
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(computeCmd)
}
