// Package httpd exposes the webhook ingress: the Telegram webhook endpoint,
// a one-shot webhook registration helper, and a health probe.
package httpd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/quailyquaily/morphgate/internal/telegram"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Dispatcher queues an update for background processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, update *telegram.Update) error
}

// WebhookRegistrar registers a webhook URL with Telegram.
type WebhookRegistrar interface {
	SetWebhook(ctx context.Context, webhookURL, secret string) error
}

// Notifier sends the bot-suppression reply directly from the webhook
// handler, before anything is queued. Optional.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

const msgBotSuppression = "🤖 I don't respond to other bots. If you're a human, please use a regular account!"

type Config struct {
	ListenAddr string
	// WebhookSecret must match the secret_token registered with Telegram.
	// Deliveries carrying a different value are rejected.
	WebhookSecret string
	// PublicBaseURL is the externally reachable base URL used by the
	// set-webhook helper. When empty the helper derives it from the
	// incoming request.
	PublicBaseURL string
	// RateLimit bounds webhook deliveries per second for each chat; zero
	// disables it.
	RateLimit float64
	RateBurst int
}

type Server struct {
	cfg        Config
	dispatcher Dispatcher
	registrar  WebhookRegistrar
	notifier   Notifier
	log        *slog.Logger
	limiters   *lru.Cache[int64, *rate.Limiter]
	httpSrv    *http.Server
}

func NewServer(cfg Config, dispatcher Dispatcher, registrar WebhookRegistrar, notifier Notifier, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		registrar:  registrar,
		notifier:   notifier,
		log:        log,
	}
	if cfg.RateLimit > 0 {
		s.limiters, _ = lru.New[int64, *rate.Limiter](4096)
	}
	return s
}

func (s *Server) allow(chatID int64) bool {
	if s.limiters == nil {
		return true
	}
	lim, ok := s.limiters.Get(chatID)
	if !ok {
		burst := s.cfg.RateBurst
		if burst <= 0 {
			burst = int(s.cfg.RateLimit) + 1
		}
		lim = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)
		s.limiters.Add(chatID, lim)
	}
	return lim.Allow()
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.handleHealth)
	r.GET("/health", s.handleHealth)

	tg := r.Group("/telegram")
	tg.POST("/webhook", s.handleWebhook)
	tg.GET("/set-webhook", s.handleSetWebhook)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleWebhook(c *gin.Context) {
	if s.cfg.WebhookSecret != "" && c.GetHeader(secretHeader) != s.cfg.WebhookSecret {
		s.log.Warn("webhook_secret_mismatch", "remote", c.ClientIP())
		c.JSON(http.StatusForbidden, gin.H{"detail": "Invalid secret token"})
		return
	}
	var update telegram.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		s.log.Warn("webhook_body_invalid", "error", err.Error())
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid update payload"})
		return
	}
	if !s.allow(update.ChatID()) {
		s.log.Warn("webhook_rate_limited", "chat_id", update.ChatID())
		c.JSON(http.StatusTooManyRequests, gin.H{"detail": "Too many requests"})
		return
	}

	// Other bots get a canned reply without ever reaching the queue.
	if update.CallbackQuery == nil {
		if sender := update.Sender(); sender != nil && sender.IsBot {
			s.log.Info("bot_sender_suppressed", "chat_id", update.ChatID(), "sender", telegram.DisplayName(sender))
			if s.notifier != nil && update.ChatID() != 0 {
				_ = s.notifier.SendMessage(c.Request.Context(), update.ChatID(), msgBotSuppression)
			}
			c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Message from bot, responded accordingly"})
			return
		}
	}

	// Acknowledge fast; the dispatcher owns the slow part.
	if err := s.dispatcher.Dispatch(c.Request.Context(), &update); err != nil {
		s.log.Error("webhook_dispatch_failed", "update_id", update.UpdateID, "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to queue update"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSetWebhook(c *gin.Context) {
	base := strings.TrimSpace(s.cfg.PublicBaseURL)
	if base == "" {
		scheme := "https"
		if c.Request.TLS == nil && !strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
			scheme = "http"
		}
		base = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	webhookURL := strings.TrimRight(base, "/") + "/telegram/webhook"

	if err := s.registrar.SetWebhook(c.Request.Context(), webhookURL, s.cfg.WebhookSecret); err != nil {
		s.log.Error("set_webhook_failed", "url", webhookURL, "error", err.Error())
		c.JSON(http.StatusBadGateway, gin.H{"detail": fmt.Sprintf("Failed to set webhook: %v", err)})
		return
	}
	s.log.Info("webhook_registered", "url", webhookURL)
	c.JSON(http.StatusOK, gin.H{
		"status":           "success",
		"message":          "Webhook set successfully! 🎉",
		"webhook_url":      webhookURL,
		"secret_token_set": s.cfg.WebhookSecret != "",
	})
}

// Start serves until the listener fails. Use Shutdown for graceful stop.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
