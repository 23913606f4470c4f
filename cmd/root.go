// Package cmd defines and implements the CLI commands for the crawlquota
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlquota/internal/config"
)

var cfgFile string

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlquota",
		Short: "Quota-enforced crawl job service.",
		Long: `crawlquota admits crawl jobs against per-user link quotas, runs them on
static or headless agents, publishes lifecycle events and keeps each user's
quota reconciled with their subscription.`,
		SilenceUsage: true,

		// Load configuration once and hand it to the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the CRAWLQUOTA_ prefix")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSyncOnceCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "crawlquota: %v\n", err)
		os.Exit(1)
	}
}
