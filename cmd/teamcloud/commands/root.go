package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ankisho/TeamCloud/pkg/config"
)

// options holds the persistent flags.
type options struct {
	configPath string
	serverURL  string
	jsonOutput bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "teamcloud",
		Short: "TeamCloud - command orchestration for cloud projects",
		Long: `TeamCloud coordinates long-running project commands across independently
operated providers.

A command is fanned out to every provider that applies to the target
project. Providers answer synchronously or report their result later
through a per-instance callback URL. The orchestrator serializes changes
to each project, merges the provider outputs into the project and exposes
the command status to polling clients.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&opts.serverURL, "server", "s", "", "API base URL (defaults to server.base_url)")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(opts, version))
	rootCmd.AddCommand(newMigrateCommand(opts))
	rootCmd.AddCommand(newSubmitCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newCancelCommand(opts))
	rootCmd.AddCommand(newProvidersCommand(opts))

	return rootCmd
}

func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// apiURL returns the API root used by the client commands.
func (o *options) apiURL() (string, error) {
	if o.serverURL != "" {
		return o.serverURL, nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Server.BaseURL, nil
}
