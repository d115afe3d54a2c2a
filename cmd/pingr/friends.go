package main

import (
	"context"
	"fmt"
	"time"

	pingr "github.com/pingr-im/pingr-go"
	"github.com/spf13/cobra"
)

var friendRequestsKind string

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Manage friendships",
	Long:  "View friendship status, send and answer friend requests, and unfriend.",
}

// ============================================================================
// friends list
// ============================================================================

var friendsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List current friends",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Friends(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var data pingr.FriendsData
		if err := result.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(data.Friends) == 0 {
			fmt.Println("No friends yet.")
			return nil
		}

		for _, u := range data.Friends {
			fmt.Printf("  %d: %s (@%s)\n", u.ID, u.Fullname, u.Username)
		}
		return nil
	},
}

// ============================================================================
// friends status
// ============================================================================

var friendsStatusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Show the friendship status with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tracker := pingr.NewTracker(client, userID, nil)
		if err := tracker.Load(ctx); err != nil {
			return err
		}

		fmt.Printf("Friendship with user %d: %s\n", userID, tracker.Status())
		return nil
	},
}

// ============================================================================
// friends requests
// ============================================================================

var friendsRequestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List pending friend requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		if friendRequestsKind != "sent" && friendRequestsKind != "received" {
			return fmt.Errorf("--type must be 'sent' or 'received', got %q", friendRequestsKind)
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.FriendRequests(ctx, friendRequestsKind)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var data pingr.FriendRequestsData
		if err := result.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(data.Users) == 0 {
			fmt.Printf("No %s requests.\n", friendRequestsKind)
			return nil
		}

		for _, u := range data.Users {
			fmt.Printf("  %d: %s (@%s)\n", u.ID, u.Fullname, u.Username)
		}
		return nil
	},
}

// ============================================================================
// friends request / cancel / accept / decline / unfriend
// ============================================================================

// runFriendshipAction resolves the current status, applies one
// transition, and prints the authoritative status it lands on.
func runFriendshipAction(arg string, act func(*pingr.Tracker, context.Context) error) error {
	userID, err := parseUserID(arg)
	if err != nil {
		return err
	}
	client := getClient()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tracker := pingr.NewTracker(client, userID, nil)
	if err := tracker.Load(ctx); err != nil {
		return err
	}
	if err := act(tracker, ctx); err != nil {
		return err
	}

	fmt.Printf("Friendship with user %d: %s\n", userID, tracker.Status())
	return nil
}

var friendsRequestCmd = &cobra.Command{
	Use:   "request <user-id>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFriendshipAction(args[0], (*pingr.Tracker).SendRequest)
	},
}

var friendsCancelCmd = &cobra.Command{
	Use:   "cancel <user-id>",
	Short: "Withdraw a sent friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFriendshipAction(args[0], (*pingr.Tracker).CancelRequest)
	},
}

var friendsAcceptCmd = &cobra.Command{
	Use:   "accept <user-id>",
	Short: "Accept a received friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFriendshipAction(args[0], (*pingr.Tracker).Accept)
	},
}

var friendsDeclineCmd = &cobra.Command{
	Use:   "decline <user-id>",
	Short: "Decline a received friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFriendshipAction(args[0], (*pingr.Tracker).Decline)
	},
}

var friendsUnfriendCmd = &cobra.Command{
	Use:   "unfriend <user-id>",
	Short: "Remove an existing friendship",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFriendshipAction(args[0], (*pingr.Tracker).Unfriend)
	},
}

func init() {
	friendsRequestsCmd.Flags().StringVar(&friendRequestsKind, "type", "received", "Which requests to list: sent or received")

	friendsCmd.AddCommand(friendsListCmd)
	friendsCmd.AddCommand(friendsStatusCmd)
	friendsCmd.AddCommand(friendsRequestsCmd)
	friendsCmd.AddCommand(friendsRequestCmd)
	friendsCmd.AddCommand(friendsCancelCmd)
	friendsCmd.AddCommand(friendsAcceptCmd)
	friendsCmd.AddCommand(friendsDeclineCmd)
	friendsCmd.AddCommand(friendsUnfriendCmd)

	rootCmd.AddCommand(friendsCmd)
}
