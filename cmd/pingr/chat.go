package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	pingr "github.com/pingr-im/pingr-go"
	"github.com/spf13/cobra"
)

var (
	// search
	searchType string

	// send
	sendWait time.Duration

	// watch
	watchVerbose bool
)

// ============================================================================
// partners
// ============================================================================

var partnersCmd = &cobra.Command{
	Use:   "partners",
	Short: "List chat partners, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.ChatPartners(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var data pingr.PartnersData
		if err := result.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(data.Partners) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}

		for _, p := range data.Partners {
			fmt.Printf("  %d: %s (@%s)\n", p.ID, p.Fullname, p.Username)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <user-id>",
	Short: "Show the conversation with a user, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		partnerID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Messages(ctx, partnerID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var data pingr.MessagesData
		if err := result.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(data.Messages) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}

		for _, msg := range data.Messages {
			fmt.Printf("[%s] %d: %s\n", msg.Timestamp, msg.SenderID, msg.Text)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <text>",
	Short: "Send a message over the push channel",
	Long:  "Send a message and wait for the server to deliver it back,\nwhich confirms it was persisted.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiverID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		text := args[1]

		client := getClient()
		store := openStore()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		session, err := pingr.OpenSession(ctx, client, store, nil)
		if err != nil {
			if err == pingr.ErrUnauthorized {
				return fmt.Errorf("unauthorized: run 'pingr login <username> <password>'")
			}
			return fmt.Errorf("failed to open session: %w", err)
		}
		defer session.Close()

		subID, events := session.Channel().Subscribe()
		defer session.Channel().Unsubscribe(subID)

		if err := session.Sync().SendText(ctx, receiverID, text); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		// The message is visible only once the server delivers it back.
		deadline := time.After(sendWait)
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return fmt.Errorf("push channel closed before delivery")
				}
				if event.MsgType != pingr.EventChatMsgReceive {
					continue
				}
				msg, err := event.Msg()
				if err != nil {
					continue
				}
				if msg.SenderID == session.UserID() && msg.ReceiverID == receiverID {
					fmt.Printf("Delivered to user %d at %s.\n", receiverID, msg.Timestamp)
					return nil
				}
			case <-deadline:
				fmt.Println("Sent, but no delivery confirmation arrived in time.")
				return nil
			}
		}
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream incoming messages until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		store := openStore()

		cfg := &pingr.SessionConfig{
			Channel: &pingr.ChannelConfig{AutoReconnect: true},
		}
		if watchVerbose {
			logger := log.New(os.Stderr, "", log.LstdFlags)
			cfg.Logger = logger
			cfg.Channel.Logger = logger
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		session, err := pingr.OpenSession(ctx, client, store, cfg)
		cancel()
		if err != nil {
			if err == pingr.ErrUnauthorized {
				return fmt.Errorf("unauthorized: run 'pingr login <username> <password>'")
			}
			return fmt.Errorf("failed to open session: %w", err)
		}
		defer session.Close()

		subID, events := session.Channel().Subscribe()
		defer session.Channel().Unsubscribe(subID)

		fmt.Printf("Watching as user %d. Ctrl-C to stop.\n", session.UserID())

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		for {
			select {
			case event, ok := <-events:
				if !ok {
					fmt.Println("Push channel closed.")
					return nil
				}
				if event.MsgType != pingr.EventChatMsgReceive {
					if watchVerbose {
						fmt.Printf("-- %s event\n", event.MsgType)
					}
					continue
				}
				msg, err := event.Msg()
				if err != nil {
					continue
				}
				direction := "from"
				other := msg.SenderID
				if msg.SenderID == session.UserID() {
					direction = "to"
					other = msg.ReceiverID
				}
				fmt.Printf("[%s] %s %d: %s\n", msg.Timestamp, direction, other, msg.Text)
			case <-sig:
				fmt.Println("\nStopping.")
				return nil
			}
		}
	},
}

// ============================================================================
// search
// ============================================================================

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search for users",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Search(ctx, searchType, query)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var data pingr.SearchData
		if err := result.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(data.Results) == 0 {
			fmt.Println("No users found.")
			return nil
		}

		for _, u := range data.Results {
			fmt.Printf("  %d: %s (@%s)\n", u.ID, u.Fullname, u.Username)
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 10*time.Second, "How long to wait for delivery confirmation")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Log channel diagnostics and non-message events")
	searchCmd.Flags().StringVar(&searchType, "type", "users", "Search type")

	rootCmd.AddCommand(partnersCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(searchCmd)
}
