package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// LLM provider (OpenAI-compatible chat completions).
	viper.SetDefault("llm.endpoint", "https://api.openai.com")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.api_key", "")

	// Agent loop.
	viper.SetDefault("agent.max_steps", 10)
	viper.SetDefault("agent.history_limit", 40)
	viper.SetDefault("agent.guardrail_enabled", true)

	// Telegram.
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.api_base_url", "https://api.telegram.org")
	viper.SetDefault("telegram.webhook_secret", "")
	viper.SetDefault("telegram.public_base_url", "")

	// HTTP ingress.
	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("server.rate_limit", 0.0)
	viper.SetDefault("server.rate_burst", 0)

	// Approval ledger store. Empty redis.url falls back to the in-memory
	// store (approvals then do not survive restarts).
	viper.SetDefault("redis.url", "")

	// Conversation history.
	viper.SetDefault("history.dsn", "morphgate.sqlite")

	// Background dispatch.
	viper.SetDefault("dispatch.max_concurrency", 8)
	viper.SetDefault("dispatch.task_timeout", 5*time.Minute)
	viper.SetDefault("dispatch.dedup_size", 2048)

	// Tools.
	viper.SetDefault("weather.api_key", "")
	viper.SetDefault("weather.base_url", "https://api.openweathermap.org")
}
