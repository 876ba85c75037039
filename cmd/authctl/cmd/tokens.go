package cmd

import (
	"github.com/spf13/cobra"
	"go.pilab.hu/fedauth/log"
)

type countView struct {
	AccountID string `json:"accountId,omitempty" yaml:"account_id,omitempty"`
	Revoked   *int64 `json:"revoked,omitempty" yaml:"revoked,omitempty"`
	Deleted   *int64 `json:"deleted,omitempty" yaml:"deleted,omitempty"`
}

func newTokensCmd(c *cli) *cobra.Command {
	tokensCmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage stored refresh tokens",
	}

	tokensCmd.AddCommand(&cobra.Command{
		Use:   "revoke <accountID>",
		Short: "Revoke every active refresh token of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Refresh.RevokeAll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), c.output, countView{AccountID: args[0], Revoked: &n})
		},
	})

	tokensCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete expired refresh token records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Refresh.DeleteExpired(cmd.Context())
			if err != nil {
				return err
			}
			c.logger.Info(cmd.Context(), "Expired refresh tokens deleted", log.Fields{"deleted": n})
			return printOutput(cmd.OutOrStdout(), c.output, countView{Deleted: &n})
		},
	})

	return tokensCmd
}
