package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

// newConfigInitCmd prints a commented starting config. Values shown are the
// built-in defaults; secrets are left empty on purpose.
func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Print a default config file to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := map[string]any{
				"logging": map[string]any{
					"level":  "info",
					"format": "text",
				},
				"llm": map[string]any{
					"endpoint": "https://api.openai.com",
					"model":    "gpt-4o-mini",
					"api_key":  "",
				},
				"agent": map[string]any{
					"max_steps":         10,
					"history_limit":     40,
					"guardrail_enabled": true,
				},
				"telegram": map[string]any{
					"bot_token":       "",
					"webhook_secret":  "",
					"public_base_url": "",
				},
				"server": map[string]any{
					"listen": ":8080",
				},
				"redis": map[string]any{
					"url": "redis://localhost:6379/0",
				},
				"history": map[string]any{
					"dsn": "morphgate.sqlite",
				},
				"dispatch": map[string]any{
					"max_concurrency": 8,
					"task_timeout":    (5 * time.Minute).String(),
				},
				"weather": map[string]any{
					"api_key": "",
				},
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
