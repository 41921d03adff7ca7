package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/focuscircle/focussync/internal/api"
	"github.com/focuscircle/focussync/internal/invite"
	"github.com/spf13/cobra"
)

var (
	voiceDuration float64
	groupMembers  []string
	invitePNG     string
	invitePNGSize int
)

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(api.MethodListChats, nil, func(m map[string]any) {
			chats := items(m, "chats")
			if len(chats) == 0 {
				fmt.Println("No chats.")
				return
			}
			for _, c := range chats {
				unread := ""
				if n := num(c, "unread_count"); n > 0 {
					unread = fmt.Sprintf(" (%d unread)", n)
				}
				fmt.Printf("%-36s %-6s %s%s\n", str(c, "id"), str(c, "kind"), str(c, "title"), unread)
			}
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "List a chat's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(api.MethodListMessages, map[string]any{"chat_id": args[0]}, func(m map[string]any) {
			msgs := items(m, "messages")
			if len(msgs) == 0 {
				fmt.Println("No messages.")
				return
			}
			for _, msg := range msgs {
				printMessage(msg)
			}
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>...",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args[1:], " ")
		return run(api.MethodSendText, map[string]any{"chat_id": args[0], "text": text}, printSent)
	},
}

var voiceCmd = &cobra.Command{
	Use:   "voice <chat-id> <uri>",
	Short: "Send a voice message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(api.MethodSendVoice, map[string]any{
			"chat_id":      args[0],
			"uri":          args[1],
			"duration_sec": voiceDuration,
		}, printSent)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <chat-id> <message-id>",
	Short: "Re-send a message that is still sending",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(api.MethodRetrySend, map[string]any{"chat_id": args[0], "message_id": args[1]}, printSent)
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <chat-id> <message-id> <like|heart|clap|star>",
	Short: "React to a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(api.MethodReact, map[string]any{
			"chat_id":    args[0],
			"message_id": args[1],
			"kind":       args[2],
		}, func(m map[string]any) {
			fmt.Printf("Reacted (key %s)\n", str(m, "key"))
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <chat-id>",
	Short: "Mark every message in a chat as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(api.MethodMarkRead, map[string]any{"chat_id": args[0]}, func(m map[string]any) {
			fmt.Printf("Marked %d message(s) read\n", num(m, "changed"))
		})
	},
}

var groupCmd = &cobra.Command{
	Use:   "group <title>",
	Short: "Create a group chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		members := make([]any, 0, len(groupMembers))
		for _, id := range groupMembers {
			members = append(members, id)
		}
		return run(api.MethodCreateGroup, map[string]any{"title": args[0], "members": members}, printChat)
	},
}

var directCmd = &cobra.Command{
	Use:   "direct <user-id>",
	Short: "Open the direct chat with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(api.MethodCreateDirect, map[string]any{"peer_id": args[0]}, printChat)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <code|link>",
	Short: "Join a group by invite code or share link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(api.MethodJoinByCode, map[string]any{"code": args[0]}, func(m map[string]any) {
			if found, _ := m["found"].(bool); !found {
				fmt.Println("No group uses that code.")
				return
			}
			fmt.Printf("Joined %s\n", str(m, "chat_id"))
		})
	},
}

var inviteCmd = &cobra.Command{
	Use:   "invite <chat-id>",
	Short: "Show a group's invite link and QR code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(api.MethodInviteQR, map[string]any{"chat_id": args[0]})
		if err != nil {
			return err
		}
		m := resp.AsMap()
		if invitePNG != "" {
			png, err := invite.PNG(str(m, "code"), invitePNGSize)
			if err != nil {
				return err
			}
			if err := os.WriteFile(invitePNG, png, 0o644); err != nil {
				return err
			}
		}
		if jsonOutput {
			return outputJSON(resp)
		}
		fmt.Print(str(m, "qr"))
		fmt.Printf("Code: %s\n", str(m, "code"))
		fmt.Printf("Link: %s\n", str(m, "link"))
		if invitePNG != "" {
			fmt.Printf("PNG:  %s\n", invitePNG)
		}
		return nil
	},
}

func printChat(c map[string]any) {
	fmt.Printf("ID:      %s\n", str(c, "id"))
	fmt.Printf("Title:   %s\n", str(c, "title"))
	fmt.Printf("Kind:    %s\n", str(c, "kind"))
	var members []string
	raw, _ := c["members"].([]any)
	for _, v := range raw {
		members = append(members, fmt.Sprint(v))
	}
	fmt.Printf("Members: %s\n", strings.Join(members, ", "))
	if code := str(c, "invite_code"); code != "" {
		fmt.Printf("Invite:  %s\n", code)
	}
}

func printMessage(m map[string]any) {
	body := str(m, "body")
	if str(m, "kind") == "voice" {
		if v, ok := m["voice"].(map[string]any); ok {
			body = fmt.Sprintf("[voice %.1fs] %s", v["duration_sec"], str(v, "uri"))
		}
	}
	line := fmt.Sprintf("%s  %-10s %-9s %s", when(m, "timestamp"), str(m, "author_id"), str(m, "status"), body)
	if r, ok := m["reactions"].(map[string]any); ok && len(r) > 0 {
		kinds := make([]string, 0, len(r))
		for k := range r {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		var parts []string
		for _, k := range kinds {
			parts = append(parts, fmt.Sprintf("%s:%v", k, r[k]))
		}
		line += "  [" + strings.Join(parts, " ") + "]"
	}
	fmt.Printf("%s  %s\n", line, str(m, "id"))
}

func printSent(m map[string]any) {
	printMessage(m)
	if e := str(m, "send_error"); e != "" {
		fmt.Fprintf(os.Stderr, "not sent: %s (retry with: focusctl retry %s %s)\n", e, str(m, "chat_id"), str(m, "id"))
	}
}

func init() {
	voiceCmd.Flags().Float64VarP(&voiceDuration, "duration", "d", 0, "clip length in seconds")
	_ = voiceCmd.MarkFlagRequired("duration")

	groupCmd.Flags().StringSliceVar(&groupMembers, "members", nil, "comma-separated member user ids")

	inviteCmd.Flags().StringVar(&invitePNG, "png", "", "also write the QR code to this PNG file")
	inviteCmd.Flags().IntVar(&invitePNGSize, "size", 256, "PNG size in pixels")

	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(voiceCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(directCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(inviteCmd)
}
