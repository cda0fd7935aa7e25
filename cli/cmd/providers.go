package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/corefold/relay/cli/internal/api"
	"github.com/corefold/relay/cli/internal/output"
)

type providerStatus struct {
	ID       string `json:"id"`
	Model    string `json:"model"`
	Priority int    `json:"priority"`
	Health   int    `json:"health"`
	Breaker  string `json:"breaker"`
	Cooling  bool   `json:"cooling"`
	Latency  int64  `json:"latency_estimate"`
	Inflight int    `json:"inflight"`
	Requests uint64 `json:"requests"`
	Failures uint64 `json:"failures"`
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List providers with health, breaker, and latency state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := api.New(cfg.ServerAddr)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var result struct {
			Providers []providerStatus `json:"providers"`
		}
		if err := client.Get(ctx, "/v1/providers", &result); err != nil {
			return err
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(result)
		}

		table := output.Table{
			Headers: []string{"ID", "MODEL", "PRIORITY", "HEALTH", "BREAKER", "COOLING", "LATENCY", "REQUESTS", "FAILURES"},
		}
		for _, p := range result.Providers {
			table.Rows = append(table.Rows, []string{
				p.ID,
				p.Model,
				fmt.Sprintf("%d", p.Priority),
				healthName(p.Health),
				p.Breaker,
				fmt.Sprintf("%v", p.Cooling),
				time.Duration(p.Latency).String(),
				fmt.Sprintf("%d", p.Requests),
				fmt.Sprintf("%d", p.Failures),
			})
		}
		return output.NewWriter(cfg.Format).Print(table)
	},
}

func healthName(h int) string {
	switch h {
	case 0:
		return "healthy"
	case 1:
		return "degraded"
	case 2:
		return "unreachable"
	default:
		return "unknown"
	}
}

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Circuit breaker operations",
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset <provider>",
	Short: "Force-close a provider's circuit breaker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := api.New(cfg.ServerAddr)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var result struct {
			Provider string `json:"provider"`
			Breaker  string `json:"breaker"`
		}
		if err := client.Post(ctx, "/v1/providers/"+args[0]+"/breaker/reset", nil, &result); err != nil {
			return err
		}
		output.Success("breaker for %s is now %s", result.Provider, result.Breaker)
		return nil
	},
}

func init() {
	breakerCmd.AddCommand(breakerResetCmd)
}
