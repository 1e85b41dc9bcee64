// Command duelchatd runs the two-player chat and Tic-Tac-Toe server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/duelchat/config"
	"github.com/cyberinferno/duelchat/logger"
	"github.com/cyberinferno/duelchat/server"
)

const serviceName = "duelchatd"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	envErr := cfg.ApplyEnv(os.LookupEnv)

	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "Two-player chat and Tic-Tac-Toe server",
		Long: `duelchatd accepts up to two TCP clients on one port. They chat,
exchange private messages and files, and play Tic-Tac-Toe against each other.

Settings come from built-in defaults, then DUELCHAT_* environment variables,
then flags.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}

			return run(cmd.Context(), cfg)
		},
	}

	// Environment values become the flag defaults, so flags win.
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	srv := server.New(cfg, log)
	if err := srv.Start(); err != nil {
		log.Error("failed to start", logger.Field{Key: "error", Value: err})
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("shutting down")
	srv.Stop()
	return nil
}

func newLogger(cfg config.Config) (logger.Logger, error) {
	level := logger.ParseLevel(cfg.LogLevel)
	if cfg.LogDir != "" {
		return logger.NewZerologFileLogger(serviceName, cfg.LogDir, level)
	}

	return logger.NewZerologLogger(zerolog.New(os.Stderr), serviceName, level), nil
}
