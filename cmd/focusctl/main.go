package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/focuscircle/focussync/internal/api"
	"github.com/focuscircle/focussync/internal/lock"
	"github.com/focuscircle/focussync/internal/profile"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	profileFlag string
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:           "focusctl",
	Short:         "Control a running focussyncd",
	Long:          "Command-line client for the FocusSync daemon: connection state, chats,\nmessages, invites, friends and presence.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func resolveProfile() (string, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// call invokes one control method on the profile's daemon.
func call(method string, args map[string]any) (*structpb.Struct, error) {
	name, err := resolveProfile()
	if err != nil {
		return nil, err
	}
	c, err := api.NewClient(profile.SocketPath(name))
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := c.Call(ctx, method, args)
	if err != nil {
		return nil, rpcError(name, err)
	}
	return resp, nil
}

// run calls method and prints the result, as JSON or through show.
func run(method string, args map[string]any, show func(map[string]any)) error {
	resp, err := call(method, args)
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(resp)
	}
	show(resp.AsMap())
	return nil
}

// rpcError turns a gRPC status into a plain message and explains an
// unreachable daemon.
func rpcError(name string, err error) error {
	st := status.Convert(err)
	if st.Code() == codes.Unavailable {
		if _, running := lock.Holder(profile.Dir(name)); !running {
			return fmt.Errorf("daemon for profile %q is not running (start it with: focussyncd --profile %s)", name, name)
		}
	}
	return fmt.Errorf("%s: %s", st.Code(), st.Message())
}

func outputJSON(resp *structpb.Struct) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) int64 {
	f, _ := m[key].(float64)
	return int64(f)
}

func items(m map[string]any, key string) []map[string]any {
	raw, _ := m[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if item, ok := v.(map[string]any); ok {
			out = append(out, item)
		}
	}
	return out
}

// when renders a unix-millisecond field, or "-" when unset.
func when(m map[string]any, key string) string {
	ms := num(m, key)
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
