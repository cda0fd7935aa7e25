package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/corefold/relay/cli/internal/api"
	"github.com/corefold/relay/cli/internal/output"
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a chat request through the router",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := api.New(cfg.ServerAddr)
		ctx, cancel := context.WithTimeout(cmd.Context(), 150*time.Second)
		defer cancel()

		model, _ := cmd.Flags().GetString("model")
		provider, _ := cmd.Flags().GetString("provider")
		system, _ := cmd.Flags().GetString("system")
		temperature, _ := cmd.Flags().GetFloat64("temperature")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		stream, _ := cmd.Flags().GetBool("stream")
		useCache, _ := cmd.Flags().GetBool("cache")

		messages := make([]map[string]string, 0, 2)
		if system != "" {
			messages = append(messages, map[string]string{"role": "system", "content": system})
		}
		messages = append(messages, map[string]string{"role": "user", "content": args[0]})

		body := map[string]any{
			"messages":    messages,
			"model":       model,
			"provider":    provider,
			"max_tokens":  maxTokens,
			"temperature": temperature,
			"use_cache":   useCache,
		}

		if stream {
			return streamChat(ctx, client, body)
		}

		var result struct {
			Response struct {
				Content  string `json:"content"`
				Provider string `json:"provider"`
				Model    string `json:"model"`
				Cached   bool   `json:"cached"`
				Usage    struct {
					InputTokens  int     `json:"input_tokens"`
					OutputTokens int     `json:"output_tokens"`
					CostUSD      float64 `json:"cost_usd"`
				} `json:"usage"`
			} `json:"response"`
			Decision json.RawMessage `json:"decision"`
		}
		if err := client.Post(ctx, "/v1/chat", body, &result); err != nil {
			return err
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(result)
		}

		fmt.Println(result.Response.Content)
		if cfg.Verbose {
			r := result.Response
			fmt.Printf("\n---\nProvider: %s | Model: %s | Tokens: %d | Cost: $%.4f | Cached: %v\n",
				r.Provider, r.Model, r.Usage.InputTokens+r.Usage.OutputTokens, r.Usage.CostUSD, r.Cached)
		}
		return nil
	},
}

// streamChat prints deltas as they arrive.
func streamChat(ctx context.Context, client *api.Client, body map[string]any) error {
	resp, err := client.Stream(ctx, "/v1/chat/stream", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "chunk":
				var chunk struct {
					Delta string `json:"delta"`
				}
				if err := json.Unmarshal([]byte(data), &chunk); err == nil {
					fmt.Print(chunk.Delta)
				}
			case "error":
				var e struct {
					Message string `json:"message"`
				}
				if err := json.Unmarshal([]byte(data), &e); err == nil && e.Message != "" {
					fmt.Println()
					return fmt.Errorf("stream failed: %s", e.Message)
				}
				fmt.Println()
				return fmt.Errorf("stream failed")
			case "done":
				fmt.Println()
				return nil
			}
		}
	}
	fmt.Println()
	return scanner.Err()
}

func init() {
	chatCmd.Flags().String("model", "", "Model hint forwarded to the provider")
	chatCmd.Flags().String("provider", "", "Pin the request to a specific provider")
	chatCmd.Flags().String("system", "", "System prompt")
	chatCmd.Flags().Float64("temperature", 0, "Sampling temperature")
	chatCmd.Flags().Int("max-tokens", 0, "Maximum output tokens")
	chatCmd.Flags().Bool("stream", false, "Stream the response")
	chatCmd.Flags().Bool("cache", false, "Use the response cache")
}
