package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/vaultd/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vaultd %s %s/%s\n", version.String(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
