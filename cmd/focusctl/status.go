package main

import (
	"fmt"
	"os"

	"github.com/focuscircle/focussync/internal/api"
	"github.com/focuscircle/focussync/internal/config"
	"github.com/focuscircle/focussync/internal/profile"
	"github.com/spf13/cobra"
)

var tokenClear bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(api.MethodGetStatus, nil, printStatus)
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable sync and connect when a token is set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(api.MethodEnable, nil, printStatus)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable sync and disconnect",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(api.MethodDisable, nil, printStatus)
	},
}

var realtimeCmd = &cobra.Command{
	Use:       "realtime <on|off>",
	Short:     "Turn the realtime transport on or off",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var on bool
		switch args[0] {
		case "on":
			on = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		return run(api.MethodSetRealtime, map[string]any{"enabled": on}, printStatus)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token [token]",
	Short: "Set or clear the credential used to connect",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := ""
		switch {
		case tokenClear:
		case len(args) == 1:
			token = args[0]
		default:
			return fmt.Errorf("a token is required unless --clear is given")
		}
		return run(api.MethodSetToken, map[string]any{"token": token}, printStatus)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the local config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file if none exists",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := profile.ConfigPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := os.MkdirAll(profile.BaseDir(), 0o700); err != nil {
			return err
		}
		if err := config.Save(path, config.Default()); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := profile.ConfigPath()
		cfg, err := config.LoadOrDefault(path)
		if err != nil {
			return err
		}
		fmt.Printf("File:           %s\n", path)
		fmt.Printf("Profile:        %s\n", profile.Resolve(profileFlag))
		fmt.Printf("Realtime URL:   %s\n", cfg.Realtime.URL)
		fmt.Printf("Heartbeat:      %s\n", cfg.Realtime.HeartbeatInterval)
		fmt.Printf("Reconnect:      %s x %d\n", cfg.Realtime.ReconnectDelay, cfg.Realtime.MaxReconnectAttempts)
		fmt.Printf("Storage:        %s\n", cfg.Storage.Backend)
		fmt.Printf("User:           %s\n", cfg.User.ID)
		return nil
	},
}

func printStatus(m map[string]any) {
	fmt.Printf("Profile:   %s\n", str(m, "profile"))
	fmt.Printf("User:      %s\n", str(m, "user_id"))
	fmt.Printf("State:     %s\n", str(m, "state"))
	if n := num(m, "attempt"); n > 0 {
		fmt.Printf("Attempt:   %d\n", n)
	}
	fmt.Printf("Sync:      %v\n", m["sync_enabled"])
	fmt.Printf("Realtime:  %v\n", m["ws_enabled"])
	fmt.Printf("Heartbeat: %s\n", when(m, "last_heartbeat_at"))
	if e := str(m, "last_error"); e != "" {
		fmt.Printf("Error:     %s\n", e)
	}
}

func init() {
	tokenCmd.Flags().BoolVar(&tokenClear, "clear", false, "sign out")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(realtimeCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(configCmd)
}
