// Package cmd contains CLI commands.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/corefold/relay/cli/internal/config"
)

var (
	cfg     *config.Config
	format  string
	verbose bool
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay CLI - LLM Request Router",
	Long: `Relay routes chat requests across LLM providers with health checks,
circuit breaking, budget enforcement, and cancellable streaming.

This CLI talks to a running relay server.

Examples:
  # Send a chat request
  relay chat "What is the capital of France?"

  # Stream a response
  relay chat --stream "Tell me a story"

  # Inspect provider health and breakers
  relay providers

  # Reset a provider's circuit breaker
  relay breaker reset anthropic

  # Show budget windows
  relay budgets
`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.DefaultConfig()
		if format != "" {
			cfg.Format = format
		}
		cfg.Verbose = verbose
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&format, "output", "o", "", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	// Add subcommands
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(breakerCmd)
	rootCmd.AddCommand(budgetsCmd)
	rootCmd.AddCommand(streamsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints version info.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("relay version 0.1.0")
	},
}
