package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/focuscircle/focussync/internal/config"
	"github.com/focuscircle/focussync/internal/logging"
	"github.com/focuscircle/focussync/internal/profile"
	"github.com/focuscircle/focussync/internal/relay"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	addrFlag     string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:          "focusrelay",
	Short:        "Development relay for FocusSync clients",
	Long:         "Serves the realtime websocket endpoint that focussyncd connects to.\nState lives in memory and the bearer token is taken as the user id,\nso it is meant for local development and tests only.",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.NewConsole(logging.ParseLevel(logLevelFlag))
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr := addrFlag
		if !cmd.Flags().Changed("addr") {
			cfg, err := config.LoadOrDefault(profile.ConfigPath())
			if err != nil {
				return err
			}
			addr = cfg.Relay.Addr
		}

		srv := relay.NewServer(addr, logger)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Warn("relay shutdown", zap.Error(err))
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (defaults to [relay] addr in config)")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "info", "log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
