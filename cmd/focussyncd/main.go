package main

import (
	"fmt"
	"os"

	"github.com/focuscircle/focussync/internal/daemon"
	"github.com/focuscircle/focussync/internal/profile"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var (
	profileFlag  string
	configFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:          "focussyncd",
	Short:        "FocusSync daemon",
	Long:         "Runs the realtime connection and social state for one profile and\nserves the control API on the profile's Unix socket.",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := profile.Resolve(profileFlag)
		if err := profile.ValidateName(name); err != nil {
			return err
		}

		app := fx.New(
			daemon.Module(daemon.Params{
				ProfileName: name,
				ConfigPath:  configFlag,
				LogLevel:    logLevelFlag,
			}),
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.Flags().StringVar(&configFlag, "config", "", "config file (default ~/.focussync/config.toml)")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "info", "log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
