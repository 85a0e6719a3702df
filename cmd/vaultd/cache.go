package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/vaultd/internal/cache"
	"github.com/mschirtzinger/vaultd/internal/daemon"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "maintenance",
	Short:   "Inspect or clear the result cache",
	Long: `Inspect or clear the persistent result cache while the daemon is stopped.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(c *cache.Cache) error {
			st := c.Stats()
			fmt.Printf("entries:         %s\n", humanize.Comma(int64(st.Entries)))
			fmt.Printf("stored records:  %s\n", humanize.Comma(int64(st.StoreRecords)))
			if st.CorruptRecords > 0 {
				fmt.Printf("corrupt records: %d (skipped)\n", st.CorruptRecords)
			}
			var oldest time.Time
			for _, key := range c.Keys() {
				if e, ok := c.Entry(key); ok && (oldest.IsZero() || e.CreatedAt.Before(oldest)) {
					oldest = e.CreatedAt
				}
			}
			if !oldest.IsZero() {
				fmt.Printf("oldest entry:    %s\n", humanize.Time(oldest))
			}
			return nil
		})
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(c *cache.Cache) error {
			fmt.Printf("Removed %d expired entries\n", c.Sweep())
			return nil
		})
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove every entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(c *cache.Cache) error {
			n := c.Len()
			if err := c.Purge(); err != nil {
				return err
			}
			fmt.Printf("Removed %d entries\n", n)
			return nil
		})
	},
}

// withCache opens the configured cache store, refusing while a daemon
// holds the state directory.
func withCache(fn func(*cache.Cache) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StateDir == "" {
		return fmt.Errorf("no vault configured")
	}
	if err := daemon.CheckLock(cfg.StateDir); err != nil {
		return fmt.Errorf("%w; stop it first", err)
	}

	store, err := cache.OpenStore(cfg.Cache.Backend, cfg.StateDir, nil)
	if err != nil {
		if store == nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	c := cache.New(store, cache.WithDefaultTTL(cfg.CacheTTL()))
	defer c.Close()
	return fn(c)
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheSweepCmd, cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
