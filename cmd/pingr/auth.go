package main

import (
	"context"
	"fmt"
	"time"

	pingr "github.com/pingr-im/pingr-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// register
// ============================================================================

var registerCmd = &cobra.Command{
	Use:   "register <fullname> <username> <password>",
	Short: "Create a new account",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		fullname, username, password := args[0], args[1], args[2]
		client := getAnonClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Register(ctx, fullname, username, password)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		fmt.Printf("Account created for %s. Run 'pingr login %s <password>' to log in.\n", username, username)
		return nil
	},
}

// ============================================================================
// login
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login <username> <password>",
	Short: "Log in and store the credential",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, password := args[0], args[1]
		client := getAnonClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var login pingr.LoginData
		if err := result.Decode(&login); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.JWT = login.Token
		cfg.Auth.UserID = login.UserID
		cfg.Auth.Username = username
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		// Keep the store's durable scope in step with the config so
		// sessions opened later pick up the fresh credential.
		store := openStore()
		store.Set(pingr.ScopeDurable, pingr.KeyToken, login.Token)

		fmt.Printf("Logged in as %s (user %d).\n", username, login.UserID)
		return nil
	},
}

// ============================================================================
// logout
// ============================================================================

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and clear stored state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Logout(ctx)
		if err != nil {
			fmt.Printf("Warning: server logout failed: %v\n", err)
		} else if !result.OK && !result.Unauthorized() {
			fmt.Printf("Warning: server logout failed (status %d)\n", result.Status)
		}

		// Local state is cleared regardless of the server's answer.
		store := openStore()
		store.Clear(pingr.ScopeDurable)

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Logged out.")
		return nil
	},
}

// ============================================================================
// whoami
// ============================================================================

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the current account",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.CheckAuth(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var auth pingr.AuthData
		if err := result.Decode(&auth); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		userRes, err := client.UserByID(ctx, auth.UserID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !userRes.OK {
			return apiError(userRes)
		}
		var data pingr.UserData
		if err := userRes.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		fmt.Printf("User ID:  %d\n", data.User.ID)
		fmt.Printf("Username: %s\n", data.User.Username)
		fmt.Printf("Name:     %s\n", data.User.Fullname)
		if data.User.Bio != "" {
			fmt.Printf("Bio:      %s\n", data.User.Bio)
		}
		if exp, ok := pingr.CredentialExpiry(client.Token()); ok {
			fmt.Printf("Token expires: %s\n", exp.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}
