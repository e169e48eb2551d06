package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quailyquaily/morphgate/internal/telegram"
)

func newSetWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-webhook",
		Short: "Register the webhook URL with Telegram",
		RunE: func(cmd *cobra.Command, args []string) error {
			botToken := strings.TrimSpace(viper.GetString("telegram.bot_token"))
			if botToken == "" {
				return fmt.Errorf("missing telegram.bot_token")
			}
			base := strings.TrimSpace(viper.GetString("telegram.public_base_url"))
			if base == "" {
				return fmt.Errorf("missing telegram.public_base_url (the externally reachable base URL)")
			}
			webhookURL := strings.TrimRight(base, "/") + "/telegram/webhook"

			client := telegram.NewClient(nil, viper.GetString("telegram.api_base_url"), botToken)
			secret := viper.GetString("telegram.webhook_secret")
			if err := client.SetWebhook(cmd.Context(), webhookURL, secret); err != nil {
				return fmt.Errorf("set webhook: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Webhook set: %s (secret set: %v)\n", webhookURL, secret != "")
			return nil
		},
	}

	cmd.Flags().String("telegram-bot-token", "", "Telegram bot token.")
	cmd.Flags().String("public-base-url", "", "Externally reachable base URL of this service.")
	cmd.Flags().String("webhook-secret", "", "Secret token Telegram should echo on deliveries.")

	_ = viper.BindPFlag("telegram.bot_token", cmd.Flags().Lookup("telegram-bot-token"))
	_ = viper.BindPFlag("telegram.public_base_url", cmd.Flags().Lookup("public-base-url"))
	_ = viper.BindPFlag("telegram.webhook_secret", cmd.Flags().Lookup("webhook-secret"))

	return cmd
}
