package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:               "promoter",
		Short:             "Promote tested images to Docker Swarm and Kubernetes",
		DisableAutoGenTag: true,
		SilenceErrors:     true,
		SilenceUsage:      true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newDeployCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// loadConfig wraps LoadConfig so failures exit with ExitConfigError.
func (o *rootOptions) loadConfig() (*Config, error) {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return nil, &ServerError{Op: "LoadConfig", Err: err, ExitCode: ExitConfigError}
	}
	return cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "promoter %s (built %s)\n", Version, BuildTime)
			return err
		},
	}
}
