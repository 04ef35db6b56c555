package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bdobrica/vito/common/version"
	"github.com/bdobrica/vito/internal/vito/app"
	"github.com/bdobrica/vito/internal/vito/config"
	"github.com/bdobrica/vito/internal/vito/observability"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the homeserver and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd, opts)
		},
	}
}

func runBot(cmd *cobra.Command, opts *rootOptions) error {
	path := opts.settingsPath()
	cfg, err := config.Load(path)
	if err != nil {
		printProblems(cmd.ErrOrStderr(), err)
		return err
	}

	closer := observability.Setup(observability.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
		Secrets: cfg.Secrets(),
	})
	defer closer.Close()

	slog.Info("starting", "version", version.Info(), "settings", path)
	slog.Debug("settings loaded", "config", cfg)

	vito, err := app.New(cmd.Context(), cfg)
	if err != nil {
		slog.Error("failed to initialize", "err", err)
		return err
	}
	if err := vito.Run(cmd.Context()); err != nil {
		slog.Error("exited with error", "err", err)
		return err
	}
	slog.Info("stopped")
	return nil
}

// printProblems lists each configuration problem on its own line.
func printProblems(w io.Writer, err error) {
	var cerr *config.Error
	if !errors.As(err, &cerr) {
		return
	}
	for _, p := range cerr.Problems {
		fmt.Fprintf(w, "  - %s\n", p)
	}
}
