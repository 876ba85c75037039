package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.pilab.hu/fedauth/config"
	"go.pilab.hu/fedauth/internal/app"
	"go.pilab.hu/fedauth/log"
)

const appName = "authctl"

// cli carries the state shared by all subcommands.
type cli struct {
	cfgFile string
	output  string

	cfg    *config.Config
	logger log.Logger
	app    *app.App

	// newApp connects the stores; replaced in tests.
	newApp func(ctx context.Context, cfg *config.Config) (*app.App, error)
}

// NewRootCmd builds the authctl command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&cli{newApp: app.New})
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "authctl administers accounts and tokens of the fedauth service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if c.app == nil {
				return nil
			}
			return c.app.Close(context.Background())
		},
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "",
		"config file (default searches /etc/fedauth, $HOME/.fedauth and .)")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", "yaml", "output format: yaml or json")

	root.AddCommand(newAccountCmd(c), newTokensCmd(c), newTokenCmd(c))
	return root
}

func (c *cli) init() error {
	if c.output != "yaml" && c.output != "json" {
		return fmt.Errorf("unsupported output format %q", c.output)
	}
	if c.cfg != nil {
		return nil
	}

	cfg, err := config.LoadConfig(c.cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = log.FromZerolog(log.Setup(cfg.Log.Level, cfg.Log.Pretty))
	return nil
}

// connect opens the stores on first use.
func (c *cli) connect(ctx context.Context) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	a, err := c.newApp(ctx, c.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c.app = a
	return a, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
