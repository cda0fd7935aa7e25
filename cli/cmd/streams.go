package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/corefold/relay/cli/internal/api"
	"github.com/corefold/relay/cli/internal/output"
)

var streamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "List active streaming sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := api.New(cfg.ServerAddr)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var result struct {
			Streams []string `json:"streams"`
		}
		if err := client.Get(ctx, "/v1/streams", &result); err != nil {
			return err
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(result)
		}

		if len(result.Streams) == 0 {
			output.Info("no active streams")
			return nil
		}
		table := output.Table{Headers: []string{"STREAM ID"}}
		for _, id := range result.Streams {
			table.Rows = append(table.Rows, []string{id})
		}
		return output.NewWriter(cfg.Format).Print(table)
	},
}

var streamsCancelCmd = &cobra.Command{
	Use:   "cancel <stream-id>",
	Short: "Cancel an active streaming session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := api.New(cfg.ServerAddr)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := client.Delete(ctx, "/v1/streams/"+args[0], nil); err != nil {
			return err
		}
		output.Success("stream %s canceled", args[0])
		return nil
	},
}

func init() {
	streamsCmd.AddCommand(streamsCancelCmd)
}
