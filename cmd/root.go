package cmd

import (
	"os"

	"github.com/encodeous/meshbridge/state"
	"github.com/spf13/cobra"
)

var configPath = state.DefaultConfigPath

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meshbridge",
	Short: "Mesh radio bridge daemon",
	Long: `meshbridge keeps long lived links to one or two mesh radios, decodes their traffic,
drops duplicates and hands every packet to the bot layer while persisting it to a local store.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "init",
		Title: "Configure meshbridge",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "mb",
		Title: "Bridge Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "path to the bridge config")
}
