package cmd

import (
	"fmt"
	"os"

	"github.com/encodeous/meshbridge/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a bridge configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		interactive, _ := cmd.Flags().GetBool("interactive")
		force, _ := cmd.Flags().GetBool("force")

		cfg := state.SampleConfig()
		outPath := configPath
		if interactive {
			var err error
			cfg, err = promptConfig()
			if err != nil {
				return err
			}
			outPath, err = safeSavePath(outPath, "bridge config")
			if err != nil {
				return err
			}
		} else if _, err := os.Stat(outPath); err == nil && !force {
			return fmt.Errorf("%s already exists, use --force to overwrite it", outPath)
		}

		warnings, err := state.ConfigValidator(&cfg)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Println("warning:", w)
		}
		out, err := yaml.Marshal(&cfg)
		if err != nil {
			return err
		}
		if err := os.WriteFile(outPath, out, 0600); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", outPath)
		return nil
	},
	GroupID: "init",
}

func promptConfig() (state.Config, error) {
	var cfg state.Config
	id, err := promptDefaultStr("bridge id", "meshbridge", state.NameValidator)
	if err != nil {
		return cfg, err
	}
	cfg.Id = id
	for i := 0; i < 2; i++ {
		if !promptYN(fmt.Sprintf("Add backend #%d?", i+1), i == 0) {
			break
		}
		b, err := promptBackend(i)
		if err != nil {
			return cfg, err
		}
		cfg.Backends = append(cfg.Backends, b)
	}
	if err := state.EndpointCollisionValidator(cfg.Backends); err != nil {
		return cfg, err
	}
	if promptYN("Enable the diagnostic server?", true) {
		cfg.Diag.Listen, err = promptDefaultStr("listen address", "127.0.0.1:9464", nonEmpty)
		if err != nil {
			return cfg, err
		}
	}
	state.ExpandConfig(&cfg)
	return cfg, nil
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolP("interactive", "i", false, "Prompt for the backends instead of writing a sample config")
	initCmd.Flags().BoolP("force", "f", false, "Overwrite an existing config")
}
