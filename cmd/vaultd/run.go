package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/vaultd/internal/config"
	"github.com/mschirtzinger/vaultd/internal/daemon"
	"github.com/mschirtzinger/vaultd/internal/logging"
	"github.com/mschirtzinger/vaultd/internal/version"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "daemon",
	Short:   "Run the daemon in the foreground",
	Long: `Run the daemon until interrupted.

SIGINT and SIGTERM stop the daemon gracefully: the watcher and scheduler
stop first, then running handlers get shutdown_grace_period to finish.
SIGHUP reloads handlers and tasks from the config file; an invalid config
is logged and the running one kept.

Example usage:
  vaultd run --vault ~/notes
  vaultd run --config ~/.config/vaultd/vaultd.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger, err := logging.New(logging.Config{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		if err != nil {
			return err
		}
		defer logger.Close()
		logger.Info("vaultd starting", "version", version.String(), "config", cfg.File)

		d := daemon.New(cfg, daemon.Options{
			Load: func() (*config.Config, error) {
				return loadConfig()
			},
			Logger: logger.Logger,
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		reload := make(chan struct{})
		go func() {
			for {
				select {
				case <-hup:
					select {
					case reload <- struct{}{}:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		return d.Run(ctx, reload)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
