// Package main provides the CLI entry point for the prompter gateway.
//
// Prompter connects chat clients to LLM providers (Anthropic, OpenAI) with
// tool execution capabilities including remote shell sessions, browser
// automation, and knowledge base search.
//
// # Basic Usage
//
// Start the server:
//
//	prompter serve --config prompter.yaml
//
// Mint an access token for a user:
//
//	prompter token --user alice
//
// # Environment Variables
//
//   - PROMPTER_CONFIG: Path to configuration file (default: prompter.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:          "prompter",
		Short:        "AI chat gateway with remote tool execution",
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildTokenCmd(), buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "prompter %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath applies the PROMPTER_CONFIG environment variable when the
// flag was left at its default.
func resolveConfigPath(flagValue string) string {
	if flagValue != defaultConfigPath {
		return flagValue
	}
	if env := os.Getenv("PROMPTER_CONFIG"); env != "" {
		return env
	}
	return flagValue
}
