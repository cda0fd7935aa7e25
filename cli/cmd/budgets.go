package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/corefold/relay/cli/internal/api"
	"github.com/corefold/relay/cli/internal/output"
)

var budgetsCmd = &cobra.Command{
	Use:   "budgets",
	Short: "Show budget windows and spend",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := api.New(cfg.ServerAddr)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var result struct {
			Budgets []struct {
				Period         string  `json:"period"`
				SpentUSD       float64 `json:"spent_usd"`
				LimitUSD       float64 `json:"limit_usd"`
				Requests       int     `json:"requests"`
				Classification string  `json:"classification"`
			} `json:"budgets"`
		}
		if err := client.Get(ctx, "/v1/budgets", &result); err != nil {
			return err
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(result)
		}

		table := output.Table{
			Headers: []string{"PERIOD", "SPENT", "LIMIT", "REQUESTS", "STATUS"},
		}
		for _, b := range result.Budgets {
			table.Rows = append(table.Rows, []string{
				b.Period,
				fmt.Sprintf("$%.4f", b.SpentUSD),
				fmt.Sprintf("$%.2f", b.LimitUSD),
				fmt.Sprintf("%d", b.Requests),
				b.Classification,
			})
		}
		return output.NewWriter(cfg.Format).Print(table)
	},
}
