package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/corefold/relay/cli/internal/api"
	"github.com/corefold/relay/cli/internal/output"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the routing audit trail",
}

var auditEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent router events",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := api.New(cfg.ServerAddr)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		limit, _ := cmd.Flags().GetInt("limit")
		var result struct {
			Events []struct {
				Kind      string    `json:"kind"`
				Provider  string    `json:"provider"`
				RequestID string    `json:"request_id"`
				Detail    string    `json:"detail"`
				At        time.Time `json:"at"`
			} `json:"events"`
		}
		if err := client.Get(ctx, fmt.Sprintf("/v1/events?limit=%d", limit), &result); err != nil {
			return err
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(result)
		}

		table := output.Table{Headers: []string{"AT", "KIND", "PROVIDER", "REQUEST", "DETAIL"}}
		for _, e := range result.Events {
			table.Rows = append(table.Rows, []string{
				e.At.Format(time.RFC3339),
				e.Kind,
				e.Provider,
				e.RequestID,
				e.Detail,
			})
		}
		return output.NewWriter(cfg.Format).Print(table)
	},
}

var auditDecisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "Show recent routing decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := api.New(cfg.ServerAddr)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		limit, _ := cmd.Flags().GetInt("limit")
		var result struct {
			Decisions []struct {
				ID       string `json:"id"`
				Strategy string `json:"strategy"`
				Selected string `json:"selected"`
				Attempts []struct {
					Provider string `json:"provider"`
					Outcome  string `json:"outcome"`
				} `json:"attempts"`
				Elapsed int64 `json:"elapsed"`
			} `json:"decisions"`
		}
		if err := client.Get(ctx, fmt.Sprintf("/v1/decisions?limit=%d", limit), &result); err != nil {
			return err
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(result)
		}

		table := output.Table{Headers: []string{"REQUEST", "STRATEGY", "SELECTED", "ATTEMPTS", "ELAPSED"}}
		for _, d := range result.Decisions {
			attempts := ""
			for i, a := range d.Attempts {
				if i > 0 {
					attempts += ","
				}
				attempts += a.Provider + ":" + a.Outcome
			}
			table.Rows = append(table.Rows, []string{
				d.ID,
				d.Strategy,
				d.Selected,
				attempts,
				time.Duration(d.Elapsed).String(),
			})
		}
		return output.NewWriter(cfg.Format).Print(table)
	},
}

func init() {
	auditEventsCmd.Flags().Int("limit", 50, "Maximum records to fetch")
	auditDecisionsCmd.Flags().Int("limit", 50, "Maximum records to fetch")
	auditCmd.AddCommand(auditEventsCmd)
	auditCmd.AddCommand(auditDecisionsCmd)
}
