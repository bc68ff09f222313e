package cmd

import (
	"github.com/encodeous/meshbridge/core"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge",
	Long:  `Runs the bridge in the foreground until SIGINT or SIGTERM. The user running it needs access to the configured serial devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logPath, _ := cmd.Flags().GetString("log")
		return core.Bootstrap(configPath, logPath, verbose)
	},
	GroupID: "mb",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().StringP("log", "l", "", "Also write logs to this file, overrides log_path")
}
