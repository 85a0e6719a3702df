// Command vaultd watches a notes vault and runs automation handlers on
// changes and schedules.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/vaultd/internal/config"
	"github.com/mschirtzinger/vaultd/internal/version"
)

var (
	configFile string
	vaultDir   string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "vaultd",
	Short: "Vault automation daemon",
	Long: `vaultd watches a knowledge-base directory, fires scheduled tasks and
routes matching events to feature handlers (OCR, transcripts, tagging,
link checks) without feedback loops.

Configuration is read from vaultd.yaml (or .toml) in the vault, in
$XDG_CONFIG_HOME/vaultd, or from --config. Any setting can be overridden
with a VAULTD_ environment variable, e.g. VAULTD_CACHE_BACKEND=sqlite.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "daemon", Title: "Daemon:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: search vault and $XDG_CONFIG_HOME/vaultd)")
	rootCmd.PersistentFlags().StringVar(&vaultDir, "vault", "", "Vault directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment from this file instead of .env")
}

// loadConfig reads configuration from the persistent flags.
func loadConfig() (*config.Config, error) {
	return config.Load(config.Options{
		ConfigFile: configFile,
		Vault:      vaultDir,
		EnvFile:    envFile,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
