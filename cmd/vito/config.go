package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/vito/internal/vito/config"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the settings file",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the settings file and report every problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.settingsPath()
			if _, err := config.Load(path); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: invalid\n", path)
				printProblems(cmd.OutOrStdout(), err)
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return err
		},
	})
	return configCmd
}
