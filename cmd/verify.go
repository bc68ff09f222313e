package cmd

import (
	"fmt"

	"github.com/encodeous/meshbridge/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Validates the config without touching any device",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, warnings, err := state.ReadConfig(configPath)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Println("warning:", w)
		}
		mode, _ := state.ModeFor(cfg.Backends)
		fmt.Printf("Config is valid, the bridge will run in %s mode\n", mode)

		if show, _ := cmd.Flags().GetBool("show"); show {
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
		}
		return nil
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().BoolP("show", "s", false, "Print the config with every default filled in")
}
