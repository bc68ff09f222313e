package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/encodeous/meshbridge/core"
	"github.com/encodeous/meshbridge/state"
	"github.com/spf13/cobra"
)

// diagAddr picks the diagnostic address from the flag, falling back to the config.
func diagAddr(cmd *cobra.Command) (string, error) {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		return addr, nil
	}
	cfg, _, err := state.ReadConfig(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Diag.Listen == "" {
		return "", errors.New("diag.listen is not set in the config, the bridge has no diagnostic server")
	}
	return cfg.Diag.Listen, nil
}

var inspectCmd = &cobra.Command{
	Use:     "inspect",
	Aliases: []string{"i"},
	Short:   "Inspects the state of a running bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := diagAddr(cmd)
		if err != nil {
			return err
		}
		follow, _ := cmd.Flags().GetBool("follow")
		if follow {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			enc := json.NewEncoder(os.Stdout)
			return core.FollowTrace(ctx, addr, func(pkt state.DecodedPacket) error {
				return enc.Encode(pkt)
			})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := core.FetchStatus(ctx, addr)
		if err != nil {
			return fmt.Errorf("is the bridge running? %w", err)
		}
		if raw, _ := cmd.Flags().GetBool("json"); raw {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		return core.WriteStatus(os.Stdout, st)
	},
	GroupID: "mb",
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringP("addr", "a", "", "Diagnostic address, read from the config if empty")
	inspectCmd.Flags().BoolP("follow", "f", false, "Stream dispatched packets as json lines")
	inspectCmd.Flags().Bool("json", false, "Print the raw status")
}
