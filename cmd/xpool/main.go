package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/xpool/cmd/xpool/commands"
	"github.com/teranos/xpool/internal/logger"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "xpool",
	Short: "xpool - account-pool scheduler for private GraphQL/REST endpoints",
	Long: `xpool manages a fleet of authenticated client identities, allocating them
fairly across per-endpoint work queues and enforcing per-endpoint rate-limit
windows.

Examples:
  xpool account add --username alice --auth-token ... --user-agent ...
  xpool account list
  xpool pool reset --username alice --queue SearchTimeline
  xpool pool reset-all`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Initialize(!verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "human-readable (non-JSON) log output")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "path to a specific xpool.toml config file")

	rootCmd.AddCommand(commands.AccountCmd)
	rootCmd.AddCommand(commands.PoolCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
