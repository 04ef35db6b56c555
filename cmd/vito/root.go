package main

import (
	"github.com/spf13/cobra"

	"github.com/bdobrica/vito/internal/vito/config"
)

type rootOptions struct {
	configPath string
}

func (o *rootOptions) settingsPath() string {
	return config.ResolvePath(o.configPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "vito",
		Short:        "Vito: a chat bot for Matrix rooms",
		Long:         "vito answers messages addressed to it in Matrix rooms using a hosted language model, keeps a short rolling conversation per user and one saved fact per user.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd, opts)
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "settings file (default $VITO_CONFIG or "+config.DefaultPath+")")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newConfigCmd(opts),
		newMemoryCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}
