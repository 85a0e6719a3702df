package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/vaultd/internal/dashboard"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "daemon",
	Short:   "Show the health of a running daemon",
	Long: `Query the daemon's dashboard endpoint and print its health snapshot.

The dashboard must be enabled (dashboard.enabled, default true). Exits
non-zero when the daemon cannot be reached or is not running.

Example usage:
  vaultd status
  vaultd status --json | jq .handlers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		asJSON, _ := cmd.Flags().GetBool("json")

		if addr == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			addr = cfg.Dashboard.Addr
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		snap, err := dashboard.FetchStatus(ctx, nil, addr)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(snap); err != nil {
				return err
			}
		} else {
			setupColor(os.Stdout)
			renderStatus(os.Stdout, snap, addr)
		}
		if !snap.Running() {
			os.Exit(3)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("addr", "", "Dashboard address (default: dashboard.addr from config)")
	statusCmd.Flags().Bool("json", false, "Print the raw snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}
