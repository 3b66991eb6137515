package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// PoolCmd groups lock/reputation recovery subcommands.
var PoolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect and recover account-pool lock state",
}

var (
	resetUsername string
	resetQueue    string
)

var poolResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the lock entry for one (account, queue) pair",
	RunE:  runPoolReset,
}

var poolResetAllCmd = &cobra.Command{
	Use:   "reset-all",
	Short: "Clear every lock entry for every account",
	RunE:  runPoolResetAll,
}

func init() {
	poolResetCmd.Flags().StringVar(&resetUsername, "username", "", "account to reset (required)")
	poolResetCmd.Flags().StringVar(&resetQueue, "queue", "", "queue to reset (required)")
	_ = poolResetCmd.MarkFlagRequired("username")
	_ = poolResetCmd.MarkFlagRequired("queue")

	PoolCmd.AddCommand(poolResetCmd, poolResetAllCmd)
}

func runPoolReset(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Reset(context.Background(), resetUsername, resetQueue); err != nil {
		return err
	}
	fmt.Printf("reset lock for %s/%s\n", resetUsername, resetQueue)
	return nil
}

func runPoolResetAll(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ResetAll(context.Background()); err != nil {
		return err
	}
	fmt.Println("reset all account-pool locks")
	return nil
}
