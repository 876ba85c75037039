package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.pilab.hu/fedauth/services"
	"golang.org/x/term"
)

type claimsView struct {
	Subject   string    `json:"sub" yaml:"sub"`
	Username  string    `json:"uniqueName,omitempty" yaml:"unique_name,omitempty"`
	Email     string    `json:"email,omitempty" yaml:"email,omitempty"`
	Issuer    string    `json:"iss,omitempty" yaml:"iss,omitempty"`
	Audience  []string  `json:"aud,omitempty" yaml:"aud,omitempty"`
	ID        string    `json:"jti" yaml:"jti"`
	IssuedAt  time.Time `json:"issuedAt" yaml:"issued_at"`
	ExpiresAt time.Time `json:"expiresAt" yaml:"expires_at"`
}

func newTokenCmd(c *cli) *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Work with access tokens",
	}

	tokenCmd.AddCommand(&cobra.Command{
		Use:   "verify [jwt]",
		Short: "Verify an access token with the configured signing key",
		Long: `Verifies signature, issuer, audience and lifetime of an access token.
Without an argument the token is read from stdin; on a terminal it is not echoed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := tokenArg(cmd, args)
			if err != nil {
				return err
			}

			signer := services.NewTokenSigner()
			if err := signer.AddKey("", []byte(c.cfg.JWT.SigningKey)); err != nil {
				return err
			}
			verifier, err := services.NewAccessTokenService(signer, services.AccessTokenConfig{
				Issuer:    c.cfg.JWT.Issuer,
				Audience:  c.cfg.JWT.Audience,
				Lifetime:  c.cfg.JWT.Lifetime,
				ClockSkew: c.cfg.JWT.ClockSkew,
			})
			if err != nil {
				return err
			}

			claims, err := verifier.Verify(raw)
			if err != nil {
				return fmt.Errorf("token rejected: %w", err)
			}
			view := claimsView{
				Subject:  claims.Subject,
				Username: claims.Username,
				Email:    claims.Email,
				Issuer:   claims.Issuer,
				Audience: claims.Audience,
				ID:       claims.ID,
			}
			if claims.IssuedAt != nil {
				view.IssuedAt = claims.IssuedAt.UTC()
			}
			if claims.ExpiresAt != nil {
				view.ExpiresAt = claims.ExpiresAt.UTC()
			}
			return printOutput(cmd.OutOrStdout(), c.output, view)
		},
	})

	return tokenCmd
}

func tokenArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return strings.TrimSpace(args[0]), nil
	}

	var raw string
	if cmd.InOrStdin() == os.Stdin && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Access token: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		raw = string(b)
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		raw = line
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("no token given")
	}
	return raw, nil
}
