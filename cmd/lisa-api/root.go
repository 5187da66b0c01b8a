package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:           "lisa-api",
	Short:         "Malware analysis job API and workers",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(NewCmdConfig())
}
