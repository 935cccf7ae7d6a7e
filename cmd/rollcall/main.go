package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MatusOllah/slogcolor"
	"github.com/spf13/cobra"

	"github.com/kabili207/rollcall/pkg/config"
)

type rootOptions struct {
	configPath string
	cfg        *config.Configuration
	log        *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "rollcall",
		Short:         "Proximity beacon attendance host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.log = newLogger(cfg.Log)
			slog.SetDefault(opts.log)
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the configuration file")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newProfileCmd(opts),
		newAttendanceCmd(opts),
	)
	return cmd
}

func newLogger(settings config.LogSettings) *slog.Logger {
	level, _ := config.ParseLevel(settings.Level)
	if settings.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	colorOpts := *slogcolor.DefaultOptions
	colorOpts.Level = level
	return slog.New(slogcolor.NewHandler(os.Stderr, &colorOpts))
}
