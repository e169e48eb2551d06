package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quailyquaily/morphgate/agent"
	"github.com/quailyquaily/morphgate/internal/dispatch"
	"github.com/quailyquaily/morphgate/internal/history"
	"github.com/quailyquaily/morphgate/internal/hitl"
	"github.com/quailyquaily/morphgate/internal/httpd"
	"github.com/quailyquaily/morphgate/internal/kvstore"
	"github.com/quailyquaily/morphgate/internal/ledger"
	"github.com/quailyquaily/morphgate/internal/logutil"
	"github.com/quailyquaily/morphgate/internal/telegram"
	"github.com/quailyquaily/morphgate/providers/openai"
	"github.com/quailyquaily/morphgate/tools"
	"github.com/quailyquaily/morphgate/tools/builtin"
)

// sessionSource adapts the history store to the machine's Sessions port.
type sessionSource struct {
	store *history.Store
}

func (s sessionSource) Session(chatID int64) agent.Session {
	return s.store.Session(chatID)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	cmd.Flags().String("listen", "", "HTTP listen address (e.g. :8080).")
	cmd.Flags().String("telegram-bot-token", "", "Telegram bot token.")
	cmd.Flags().String("webhook-secret", "", "Secret token expected on webhook deliveries.")
	cmd.Flags().String("redis-url", "", "Redis URL for the approval ledger (empty uses the in-memory store).")
	cmd.Flags().String("llm-api-key", "", "API key for the LLM provider.")
	cmd.Flags().String("llm-model", "", "Model name for agent runs.")
	cmd.Flags().String("weather-api-key", "", "OpenWeatherMap API key for the fetch_weather tool.")

	_ = viper.BindPFlag("server.listen", cmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("telegram.bot_token", cmd.Flags().Lookup("telegram-bot-token"))
	_ = viper.BindPFlag("telegram.webhook_secret", cmd.Flags().Lookup("webhook-secret"))
	_ = viper.BindPFlag("redis.url", cmd.Flags().Lookup("redis-url"))
	_ = viper.BindPFlag("llm.api_key", cmd.Flags().Lookup("llm-api-key"))
	_ = viper.BindPFlag("llm.model", cmd.Flags().Lookup("llm-model"))
	_ = viper.BindPFlag("weather.api_key", cmd.Flags().Lookup("weather-api-key"))

	return cmd
}

func runServe(parent context.Context) error {
	logger, err := logutil.LoggerFromViper()
	if err != nil {
		return err
	}

	botToken := strings.TrimSpace(viper.GetString("telegram.bot_token"))
	if botToken == "" {
		return fmt.Errorf("missing telegram.bot_token (set via --telegram-bot-token or %s_TELEGRAM_BOT_TOKEN)", envPrefix)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Approval ledger store.
	var store kvstore.Store
	if redisURL := strings.TrimSpace(viper.GetString("redis.url")); redisURL != "" {
		store, err = kvstore.NewRedisStore(ctx, redisURL)
		if err != nil {
			return fmt.Errorf("connect approval store: %w", err)
		}
		logger.Info("approval_store_ready", "backend", "redis")
	} else {
		store = kvstore.NewMemoryStore()
		logger.Warn("approval_store_in_memory", "hint", "pending approvals will not survive restarts; set redis.url for durability")
	}
	defer store.Close()
	approvals := ledger.New(store, logger)

	// Conversation history.
	histStore, err := history.Open(viper.GetString("history.dsn"))
	if err != nil {
		return err
	}
	defer histStore.Close()

	// LLM client and tools.
	llmClient := openai.New(viper.GetString("llm.endpoint"), viper.GetString("llm.api_key"))
	registry := tools.NewRegistry()
	registry.Register(builtin.NewEchoTool())
	weatherTool := builtin.NewFetchWeatherTool(viper.GetString("weather.api_key"), 10*time.Second)
	if base := strings.TrimSpace(viper.GetString("weather.base_url")); base != "" {
		weatherTool.BaseURL = base
	}
	registry.Register(weatherTool)

	model := viper.GetString("llm.model")
	engineOpts := []agent.Option{agent.WithLogger(logger)}
	if viper.GetBool("agent.guardrail_enabled") {
		engineOpts = append(engineOpts, agent.WithGuardrail(agent.NewGuardrail(llmClient, model, logger)))
	}
	engine := agent.New(llmClient, registry, agent.Config{
		Model:        model,
		MaxSteps:     viper.GetInt("agent.max_steps"),
		HistoryLimit: viper.GetInt("agent.history_limit"),
	}, engineOpts...)

	// Telegram transport.
	tgClient := telegram.NewClient(nil, viper.GetString("telegram.api_base_url"), botToken)
	if me, err := tgClient.GetMe(ctx); err != nil {
		logger.Warn("telegram_get_me_failed", "error", err.Error())
	} else {
		logger.Info("telegram_bot_ready", "username", me.Username, "id", me.ID)
	}

	machine := hitl.NewMachine(engine, approvals, sessionSource{store: histStore}, tgClient, logger)

	dispatcher, err := dispatch.New(ctx, machine, tgClient, dispatch.Options{
		MaxConcurrency: viper.GetInt("dispatch.max_concurrency"),
		TaskTimeout:    viper.GetDuration("dispatch.task_timeout"),
		DedupSize:      viper.GetInt("dispatch.dedup_size"),
	}, logger)
	if err != nil {
		return err
	}

	server := httpd.NewServer(httpd.Config{
		ListenAddr:    viper.GetString("server.listen"),
		WebhookSecret: viper.GetString("telegram.webhook_secret"),
		PublicBaseURL: viper.GetString("telegram.public_base_url"),
		RateLimit:     viper.GetFloat64("server.rate_limit"),
		RateBurst:     viper.GetInt("server.rate_burst"),
	}, dispatcher, tgClient, tgClient, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	logger.Info("server_started", "listen", viper.GetString("server.listen"))

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Stop taking deliveries, then drain queued work.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server_shutdown_error", "error", err.Error())
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatcher_drain_error", "error", err.Error())
	}
	logger.Info("shutdown_complete")
	return nil
}
