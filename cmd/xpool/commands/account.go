package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/teranos/xpool/accountpool"
	"github.com/teranos/xpool/internal/errors"
)

// AccountCmd groups account-management subcommands.
var AccountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage pooled accounts",
}

var (
	addUsername    string
	addDisplayName string
	addEmail       string
	addPassword    string
	addAuthToken   string
	addUserAgent   string
	addProxy       string
)

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or update an account in the pool",
	RunE:  runAccountAdd,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts and their per-queue lock state",
	RunE:  runAccountList,
}

var importPath string

var accountImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk add accounts from a TOML account bundle",
	RunE:  runAccountImport,
}

func init() {
	accountAddCmd.Flags().StringVar(&addUsername, "username", "", "account username (required)")
	accountAddCmd.Flags().StringVar(&addDisplayName, "display-name", "", "display name")
	accountAddCmd.Flags().StringVar(&addEmail, "email", "", "login email")
	accountAddCmd.Flags().StringVar(&addPassword, "password", "", "login password")
	accountAddCmd.Flags().StringVar(&addAuthToken, "auth-token", "", "bearer auth token")
	accountAddCmd.Flags().StringVar(&addUserAgent, "user-agent", "", "user agent string")
	accountAddCmd.Flags().StringVar(&addProxy, "proxy", "", "optional proxy URL for this account")
	_ = accountAddCmd.MarkFlagRequired("username")

	accountImportCmd.Flags().StringVar(&importPath, "file", "", "path to a TOML file with [[account]] tables (required)")
	_ = accountImportCmd.MarkFlagRequired("file")

	AccountCmd.AddCommand(accountAddCmd, accountListCmd, accountImportCmd)
}

// accountBundle is the shape of a bulk account-import TOML file:
//
//	[[account]]
//	username = "a1"
//	auth_token = "..."
type accountBundle struct {
	Account []struct {
		Username    string `toml:"username"`
		DisplayName string `toml:"display_name"`
		Email       string `toml:"email"`
		Password    string `toml:"password"`
		AuthToken   string `toml:"auth_token"`
		Cookies     string `toml:"cookies"`
		UserAgent   string `toml:"user_agent"`
		Proxy       string `toml:"proxy"`
	} `toml:"account"`
}

func runAccountImport(cmd *cobra.Command, args []string) error {
	var bundle accountBundle
	if _, err := toml.DecodeFile(importPath, &bundle); err != nil {
		return errors.Wrapf(err, "decode account bundle %s", importPath)
	}
	if len(bundle.Account) == 0 {
		return errors.Newf("no [[account]] entries found in %s", importPath)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	for _, a := range bundle.Account {
		if a.Username == "" {
			return errors.Newf("account bundle entry missing username")
		}
		err := store.Add(context.Background(), &accountpool.Account{
			Username:    a.Username,
			DisplayName: a.DisplayName,
			Email:       a.Email,
			Password:    a.Password,
			AuthToken:   a.AuthToken,
			Cookies:     a.Cookies,
			UserAgent:   a.UserAgent,
			Proxy:       a.Proxy,
			Active:      true,
		})
		if err != nil {
			return errors.Wrapf(err, "import account %s", a.Username)
		}
	}
	fmt.Printf("imported %d account(s) from %s\n", len(bundle.Account), importPath)
	return nil
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	account := &accountpool.Account{
		Username:    addUsername,
		DisplayName: addDisplayName,
		Email:       addEmail,
		Password:    addPassword,
		AuthToken:   addAuthToken,
		UserAgent:   addUserAgent,
		Proxy:       addProxy,
		Active:      true,
	}

	if err := store.Add(context.Background(), account); err != nil {
		return err
	}
	fmt.Printf("added account %s\n", account.Username)
	return nil
}

func runAccountList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	accounts, err := store.All(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tACTIVE\tLAST USED\tQUEUES LOCKED")
	now := time.Now().UTC()
	for _, a := range accounts {
		locked := 0
		for _, q := range a.Queues {
			if q.UnlockAt.After(now) {
				locked++
			}
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%d\n", a.Username, a.Active, a.LastUsedAt.Format("2006-01-02T15:04:05Z"), locked)
	}
	return w.Flush()
}
