// commands.go contains the cobra command definitions and their flag
// configurations. Each builder creates a command and wires it to its handler.
package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/prompterhq/prompter/internal/auth"
	"github.com/prompterhq/prompter/internal/config"
)

const defaultConfigPath = "prompter.yaml"

// buildServeCmd creates the "serve" command that starts the gateway server.
// This is the primary command for running prompter in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the prompter gateway server",
		Long: `Start the prompter gateway server.

The server will:
1. Load configuration from the specified file (or prompter.yaml)
2. Open the transcript database
3. Initialize LLM providers (Anthropic, OpenAI)
4. Start the HTTP server for chat runs, remote sessions, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  prompter serve

  # Start with custom config
  prompter serve --config /etc/prompter/production.yaml

  # Start with debug logging
  prompter serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildTokenCmd creates the "token" command that mints a signed access token
// for a user, using the same secret the server validates with.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		expiry     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for a user",
		Example: `  # Token for alice, valid 24h
  prompter token --user alice

  # Short-lived token
  prompter token --user alice --expiry 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			token, err := auth.NewService(cfg.Auth.JWTSecret, expiry).Generate(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User ID to mint the token for")
	cmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "Token lifetime")

	return cmd
}
