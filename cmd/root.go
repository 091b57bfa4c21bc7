// Package cmd defines the CLI commands of the atelier-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/atelier-crawler/internal/config"
	"github.com/JakeFAU/atelier-crawler/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	apiURL     string
	apiKey     string
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (*server.App, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "atelier-crawler",
		Short: "Crawls workshop listings and stores them behind a small REST API.",
		Long: `atelier-crawler renders the wecandoo.fr workshop listing, normalizes every
atelier it finds and stores the new ones. It runs either as a long-lived
service (serve) or as a one-shot crawl (crawl).`,
		SilenceUsage: true,

		// Build the application after flags are parsed and before RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if opts.apiURL != "" {
				cfg.Ingest.APIURL = opts.apiURL
			}
			if opts.apiKey != "" {
				cfg.Ingest.APIKey = opts.apiKey
			}
			app, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if app, err := resolveApp(cmd.Context()); err == nil {
				app.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd(opts))
	return cmd
}

func resolveApp(ctx context.Context) (*server.App, error) {
	app, ok := ctx.Value(appKey).(*server.App)
	if !ok || app == nil {
		return nil, errors.New("application services not initialized")
	}
	return app, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
