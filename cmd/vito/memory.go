package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/vito/internal/vito/app"
	"github.com/bdobrica/vito/internal/vito/commands"
	"github.com/bdobrica/vito/internal/vito/config"
	"github.com/bdobrica/vito/internal/vito/observability"
)

var errCredential = errors.New("that looks like a credential; use --force to save it anyway")

func newMemoryCmd(opts *rootOptions) *cobra.Command {
	memoryCmd := &cobra.Command{
		Use:   "memory",
		Short: "Read or change users' saved facts",
	}

	var force bool
	setCmd := &cobra.Command{
		Use:   "set <user> <fact...>",
		Short: "Replace a user's saved fact",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fact := strings.TrimSpace(strings.Join(args[1:], " "))
			if fact == "" {
				return errors.New("fact is empty")
			}
			if !force && commands.LooksLikeSecret(fact) {
				return errCredential
			}
			return withMemory(cmd, opts, func(s *app.Storage) error {
				if err := s.Memory.Remember(cmd.Context(), args[0], fact); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "saved.")
				return err
			})
		},
	}
	setCmd.Flags().BoolVar(&force, "force", false, "save even if the fact looks like a credential")

	memoryCmd.AddCommand(
		&cobra.Command{
			Use:   "get <user>",
			Short: "Print a user's saved fact",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMemory(cmd, opts, func(s *app.Storage) error {
					fact, ok, err := s.Memory.Recall(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if !ok {
						fact = "nothing saved."
					}
					_, err = fmt.Fprintln(cmd.OutOrStdout(), fact)
					return err
				})
			},
		},
		setCmd,
		&cobra.Command{
			Use:   "forget <user>",
			Short: "Delete a user's saved fact",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMemory(cmd, opts, func(s *app.Storage) error {
					if err := s.Memory.Forget(cmd.Context(), args[0]); err != nil {
						return err
					}
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "forgotten.")
					return err
				})
			},
		},
	)
	return memoryCmd
}

// withMemory opens only the memory backend, so it works without chat
// credentials and while the bot is not running. Logs go to stderr.
func withMemory(cmd *cobra.Command, opts *rootOptions, fn func(*app.Storage) error) error {
	cfg, err := config.LoadFile(opts.settingsPath())
	if err == nil {
		err = cfg.ValidateStorage()
	}
	if err != nil {
		printProblems(cmd.ErrOrStderr(), err)
		return err
	}

	closer := observability.Setup(observability.Options{
		Level:   "warn",
		Format:  cfg.Log.Format,
		Secrets: cfg.Secrets(),
		Output:  cmd.ErrOrStderr(),
	})
	defer closer.Close()

	s, err := app.OpenMemory(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}
