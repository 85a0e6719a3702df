package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/vaultd/internal/builtin"
	"github.com/mschirtzinger/vaultd/internal/config"
	"github.com/mschirtzinger/vaultd/internal/handler"
)

var validateCmd = &cobra.Command{
	Use:     "validate",
	GroupID: "setup",
	Short:   "Check the configuration without starting",
	Long: `Load and validate the configuration, then build every enabled handler
to catch bad options. Every problem is reported, not just the first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		factory := builtin.NewFactory()
		if err := cfg.Validate(factory); err != nil {
			return reportProblems(err)
		}

		specs, err := cfg.HandlerSpecs()
		if err != nil {
			return reportProblems(config.NewConfigError(err))
		}
		registry, err := factory.BuildRegistry(specs, handler.Env{
			VaultRoot: cfg.Vault,
			StateDir:  cfg.StateDir,
		})
		if err != nil {
			return reportProblems(config.NewConfigError(err))
		}
		defer registry.Close()

		for _, w := range cfg.Warnings(time.Now()) {
			fmt.Fprintf(os.Stderr, "  ! %s\n", w)
		}

		source := cfg.File
		if source == "" {
			source = "defaults"
		}
		fmt.Printf("✓ %s is valid: vault %s, %d handler(s), %d task(s)\n",
			source, cfg.Vault, registry.Len(), len(cfg.Tasks))
		return nil
	},
}

// reportProblems lists each configuration problem on stderr.
func reportProblems(err error) error {
	var cerr *config.ConfigError
	if !errors.As(err, &cerr) {
		return err
	}
	for _, p := range cerr.Problems {
		fmt.Fprintf(os.Stderr, "  ✗ %v\n", p)
	}
	return fmt.Errorf("%d configuration problem(s)", len(cerr.Problems))
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
