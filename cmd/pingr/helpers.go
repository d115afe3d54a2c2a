package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	pingr "github.com/pingr-im/pingr-go"
)

// getClient creates a pingr client authenticated with the stored token.
func getClient() *pingr.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.JWT == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'pingr login <username> <password>' first.")
		os.Exit(1)
	}

	var opts []pingr.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, pingr.WithBaseURL(cfg.Default.BaseURL))
	}

	return pingr.NewClient(cfg.Auth.JWT, opts...)
}

// getAnonClient creates an unauthenticated client for login and register.
func getAnonClient() *pingr.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var opts []pingr.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, pingr.WithBaseURL(cfg.Default.BaseURL))
	}

	return pingr.NewClient("", opts...)
}

// openStore opens the durable cache store under ~/.pingr/store.
func openStore() pingr.Store {
	dir, err := configDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate config directory: %v\n", err)
		os.Exit(1)
	}
	store, err := pingr.NewFileStore(filepath.Join(dir, "store"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	return store
}

// parseUserID converts a user-id argument to an int.
func parseUserID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("user-id must be an integer, got %q", arg)
	}
	return id, nil
}

// apiError formats an API failure for display.
func apiError(result *pingr.Result) error {
	if result.Unauthorized() {
		return fmt.Errorf("unauthorized: run 'pingr login <username> <password>'")
	}
	if result.Message != "" {
		return fmt.Errorf("API error (status %d): %s", result.Status, result.Message)
	}
	return fmt.Errorf("API error (status %d)", result.Status)
}
