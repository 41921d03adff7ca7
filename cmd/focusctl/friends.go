package main

import (
	"fmt"
	"sort"

	"github.com/focuscircle/focussync/internal/api"
	"github.com/spf13/cobra"
)

var friendNote string

var friendCmd = &cobra.Command{
	Use:   "friend",
	Short: "Send and answer friend requests",
}

var friendRequestCmd = &cobra.Command{
	Use:   "request <user-id>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(api.MethodSendFriendRequest, map[string]any{"to_user_id": args[0], "note": friendNote}, printRequest)
	},
}

var friendAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Accept a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveRequest(args[0], true)
	},
}

var friendRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveRequest(args[0], false)
	},
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List friends and pending requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(api.MethodListFriends, nil, func(m map[string]any) {
			friends := items(m, "friends")
			pending := items(m, "pending")
			if len(friends) == 0 && len(pending) == 0 {
				fmt.Println("No friends yet.")
				return
			}
			for _, f := range friends {
				fmt.Printf("%-20s %s\n", str(f, "user_id"), str(f, "display_name"))
			}
			if len(pending) > 0 {
				fmt.Println()
				fmt.Println("Pending:")
				for _, r := range pending {
					printRequest(r)
				}
			}
		})
	},
}

var presenceCmd = &cobra.Command{
	Use:   "presence [user-id]...",
	Short: "Show who is online",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]any, 0, len(args))
		for _, id := range args {
			ids = append(ids, id)
		}
		return run(api.MethodPresence, map[string]any{"user_ids": ids}, func(m map[string]any) {
			if checked, _ := m["checked"].(bool); !checked {
				fmt.Println("Presence not checked yet.")
			}
			entries, _ := m["entries"].(map[string]any)
			users := make([]string, 0, len(entries))
			for id := range entries {
				users = append(users, id)
			}
			sort.Strings(users)
			for _, id := range users {
				e, _ := entries[id].(map[string]any)
				fmt.Printf("%-20s %-8s last seen %s\n", id, str(e, "status"), when(e, "last_seen_at"))
			}
		})
	},
}

func resolveRequest(id string, accept bool) error {
	return run(api.MethodResolveFriendRequest, map[string]any{"request_id": id, "accept": accept}, func(m map[string]any) {
		fmt.Printf("Request %s %s\n", id, str(m, "state"))
	})
}

func printRequest(r map[string]any) {
	fmt.Printf("%s  %s -> %s  %s", str(r, "id"), str(r, "from_user_id"), str(r, "to_user_id"), str(r, "state"))
	if note := str(r, "note"); note != "" {
		fmt.Printf("  %q", note)
	}
	fmt.Println()
}

func init() {
	friendRequestCmd.Flags().StringVar(&friendNote, "note", "", "message shown with the request")

	friendCmd.AddCommand(friendRequestCmd)
	friendCmd.AddCommand(friendAcceptCmd)
	friendCmd.AddCommand(friendRejectCmd)

	rootCmd.AddCommand(friendCmd)
	rootCmd.AddCommand(friendsCmd)
	rootCmd.AddCommand(presenceCmd)
}
