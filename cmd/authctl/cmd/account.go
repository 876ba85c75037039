package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.pilab.hu/fedauth/domain"
)

func newAccountCmd(c *cli) *cobra.Command {
	accountCmd := &cobra.Command{
		Use:     "account",
		Short:   "Inspect and manage accounts",
		Aliases: []string{"accounts"},
	}

	accountCmd.AddCommand(&cobra.Command{
		Use:   "show <id|email>",
		Short: "Show an account and its linked identities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			account, err := findAccount(cmd.Context(), a.Accounts, args[0])
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), c.output, newAccountView(account))
		},
	})

	accountCmd.AddCommand(&cobra.Command{
		Use:   "unlink <id> <provider>",
		Short: "Remove every identity of a provider from an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := a.Sessions.Unlink(cmd.Context(), args[0], args[1]); err != nil {
				return fmt.Errorf("failed to unlink %s: %w", args[1], err)
			}
			account, err := a.Accounts.GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), c.output, newAccountView(account))
		},
	})

	return accountCmd
}

// findAccount looks up by email when the key contains "@", by id otherwise.
func findAccount(ctx context.Context, accounts domain.AccountRepository, key string) (*domain.Account, error) {
	var (
		account *domain.Account
		err     error
	)
	if strings.Contains(key, "@") {
		account, err = accounts.GetByEmail(ctx, key)
	} else {
		account, err = accounts.GetByID(ctx, key)
	}
	if errors.Is(err, domain.ErrAccountNotFound) {
		return nil, fmt.Errorf("account %q not found", key)
	}
	return account, err
}
