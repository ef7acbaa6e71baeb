// Package main is the entry point for syncserver, the sync engine's HTTP
// and WebSocket front door.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "syncserver",
	Short: "Run the sync engine's client-group view syncer",
	Long: `syncserver serves the sync protocol over WebSocket, maintaining one
Client View Record per client-group and streaming incremental pokes as the
replica advances.

Two deployment profiles are supported, selected by config's "profile" field:
  sqlite    single-node, embedded CVR store, no external dependencies
  postgres  HA-ready, Postgres-backed CVR store with Redis-backed
            cross-process client-group locking`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("syncserver %s (commit %s, built %s)\n", version, gitCommit, buildTime)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
