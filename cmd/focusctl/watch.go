package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/focuscircle/focussync/internal/api"
	"github.com/focuscircle/focussync/internal/profile"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
)

var watchCmd = &cobra.Command{
	Use:   "watch [namespace]",
	Short: "Stream daemon events (e.g. realtime., message., friend.)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := resolveProfile()
		if err != nil {
			return err
		}
		namespace := ""
		if len(args) == 1 {
			namespace = args[0]
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := api.NewClient(profile.SocketPath(name))
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		stream, err := c.Watch(ctx, namespace)
		if err != nil {
			return rpcError(name, err)
		}
		for {
			ev, err := stream.Recv()
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return rpcError(name, err)
			}
			if jsonOutput {
				b, err := protojson.Marshal(ev)
				if err != nil {
					return err
				}
				fmt.Println(string(b))
				continue
			}
			m := ev.AsMap()
			payload, _ := protojson.Marshal(ev.GetFields()["payload"])
			fmt.Printf("%s  %-22s %s\n", when(m, "occurred_at_ms"), str(m, "kind"), payload)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
