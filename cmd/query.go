package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/encodeous/meshbridge/state"
	"github.com/encodeous/meshbridge/store"
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Reads packets or nodes from the traffic store",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		if dbPath == "" {
			cfg, _, err := state.ReadConfig(configPath)
			if err != nil {
				return err
			}
			dbPath = cfg.Store.Path
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		st, err := store.OpenReadOnly(ctx, dbPath, clock.New(), slog.New(slog.DiscardHandler))
		if err != nil {
			return err
		}
		defer st.Close()

		raw, _ := cmd.Flags().GetBool("json")
		enc := json.NewEncoder(os.Stdout)
		if nodes, _ := cmd.Flags().GetBool("nodes"); nodes {
			list, err := st.Nodes(ctx)
			if err != nil {
				return err
			}
			for _, n := range list {
				if raw {
					if err := enc.Encode(n); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("%s\t%s\t%s\t%s\t%s\n", n.NodeId, n.Source, n.LearnedVia, n.LastSeen.Format(time.RFC3339), n.DisplayName)
			}
			return nil
		}

		var f store.Filter
		if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
			f.Since = time.Now().Add(-since)
		}
		node, _ := cmd.Flags().GetString("node")
		f.Node = state.NodeId(node)
		typ, _ := cmd.Flags().GetString("type")
		f.Type = state.PacketType(typ)
		source, _ := cmd.Flags().GetString("source")
		f.Source = state.BackendId(source)
		f.Limit, _ = cmd.Flags().GetInt("limit")

		pkts, err := st.Query(ctx, f)
		if err != nil {
			return err
		}
		for _, p := range pkts {
			if raw {
				if err := enc.Encode(p); err != nil {
					return err
				}
				continue
			}
			fmt.Printf("%s\t%s\t%s -> %s\t%s\t%q\n", p.Received.Format(time.RFC3339), p.Source, p.From, p.To, p.Type, p.Text)
		}
		return nil
	},
	GroupID: "mb",
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().String("db", "", "Store path, read from the config if empty")
	queryCmd.Flags().Duration("since", 0, "Only packets received within this duration")
	queryCmd.Flags().String("node", "", "Only packets from or to this node")
	queryCmd.Flags().String("type", "", "Only packets of this type")
	queryCmd.Flags().String("source", "", "Only packets received on this backend")
	queryCmd.Flags().Int("limit", 100, "Maximum number of packets")
	queryCmd.Flags().Bool("nodes", false, "List the node catalog instead of packets")
	queryCmd.Flags().Bool("json", false, "Print json lines")
}
