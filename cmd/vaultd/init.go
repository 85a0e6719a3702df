package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/vaultd/internal/config"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Write a starter vaultd.yaml",
	Long: `Write a starter configuration into the vault.

On a terminal a short form asks for the vault, cache backend and whether
to serve the dashboard. Use --yes to accept the defaults.

Example usage:
  vaultd init --vault ~/notes
  vaultd init --vault ~/notes --yes --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		force, _ := cmd.Flags().GetBool("force")

		vault := vaultDir
		if vault == "" {
			vault, _ = os.Getwd()
		}
		cfg := config.Starter(vault)

		if !yes && isTerminal(os.Stdin) && isTerminal(os.Stdout) {
			if err := runInitForm(&cfg); err != nil {
				return err
			}
		}

		abs, err := filepath.Abs(cfg.Vault)
		if err != nil {
			return err
		}
		cfg.Vault = abs
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			return fmt.Errorf("vault %s is not a directory", abs)
		}

		path := configFile
		if path == "" {
			path = filepath.Join(abs, config.FileName+".yaml")
		}
		if err := config.Save(path, &cfg, force); err != nil {
			if errors.Is(err, config.ErrExists) {
				return fmt.Errorf("%w (use --force to overwrite)", err)
			}
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		fmt.Println("Check it with: vaultd validate --config " + path)
		return nil
	},
}

func runInitForm(cfg *config.Config) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Vault directory").
				Value(&cfg.Vault).
				Validate(func(s string) error {
					info, err := os.Stat(s)
					if err != nil || !info.IsDir() {
						return fmt.Errorf("not a directory")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Cache backend").
				Options(
					huh.NewOption("JSON lines file", "file"),
					huh.NewOption("SQLite", "sqlite"),
					huh.NewOption("Memory only", "memory"),
				).
				Value(&cfg.Cache.Backend),
			huh.NewConfirm().
				Title("Serve the status dashboard on " + cfg.Dashboard.Addr + "?").
				Value(&cfg.Dashboard.Enabled),
		),
	).Run()
}

func init() {
	initCmd.Flags().BoolP("yes", "y", false, "Accept defaults without prompting")
	initCmd.Flags().BoolP("force", "f", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
