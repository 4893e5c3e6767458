package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if commit != "none" && commit != "" {
			fmt.Printf("magg %s\n  commit: %s\n  built:  %s\n", version, commit, date)
			return
		}
		fmt.Printf("magg %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
