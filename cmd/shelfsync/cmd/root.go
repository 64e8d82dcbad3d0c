// Package cmd implements the shelfsync CLI commands.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shelfsync/shelfsync/internal/config"
)

var (
	cfgFile string
	dryRun  bool

	buildVersion string
	buildCommit  string
	buildDate    string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "shelfsync",
		Short: "Multi-platform inventory reconciliation engine",
		Long: `shelfsync keeps product catalogs and stock levels consistent across
connected marketplaces. It pulls each platform's state, resolves
observations to canonical identities, detects disagreements against the
field-authority policy, and pushes corrective writes back out.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: environment only)")
	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "detect changes but push nothing")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the CLI with the given signal-aware context.
func Execute(ctx context.Context, version, commit, date string) error {
	buildVersion, buildCommit, buildDate = version, commit, date
	return newRootCmd().ExecuteContext(ctx)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if dryRun {
		cfg.DryRun = true
	}
	return cfg, nil
}
