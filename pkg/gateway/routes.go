package gateway

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"streambridge/pkg/bus"
	"streambridge/pkg/channel/telegram"
)

// secretTokenHeader carries the webhook secret Telegram echoes back on every push.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

func init() {
	gin.SetMode(gin.ReleaseMode)
}

type statusResponse struct {
	Status           string `json:"status"`
	Mode             string `json:"mode"`
	IngressRunning   bool   `json:"ingress_running"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	ProviderLastOKAt string `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string `json:"provider_last_error,omitempty"`
	Sessions         int    `json:"sessions"`
	Generating       int    `json:"generating"`
}

// router registers the gateway endpoints. The webhook route only exists in webhook mode.
//
//	GET  /healthz
//	GET  /readyz
//	GET  /metrics
//	POST {telegram.webhook_path}
func (s *Service) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.log))

	router.GET("/healthz", s.handleHealth)
	router.GET("/readyz", s.handleReady)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	if s.mode == bus.ModeWebhook {
		router.POST(s.cfg.Telegram.WebhookPath, s.handleWebhook)
	}

	return router
}

// handleWebhook acknowledges every authentic push once it is queued. Undecodable updates are
// logged and still acknowledged so Telegram does not redeliver them.
func (s *Service) handleWebhook(c *gin.Context) {
	if secret := s.cfg.Telegram.WebhookSecret; secret != "" {
		got := c.GetHeader(secretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			s.log.Warn("Rejected webhook call with bad secret token", "remote", c.ClientIP())
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
	}

	payload, err := c.GetRawData()
	if err != nil {
		s.log.Warn("Failed to read webhook body", "error", err)
		c.Status(http.StatusOK)
		return
	}

	if err := s.ingress.HandleWebhook(c.Request.Context(), payload); err != nil {
		if errors.Is(err, telegram.ErrNotRunning) {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		s.log.Warn("Dropped webhook update", "error", err)
	}

	c.Status(http.StatusOK)
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(c *gin.Context) {
	if !s.isReady() {
		c.JSON(http.StatusServiceUnavailable, s.currentStatus("not_ready"))
		return
	}
	c.JSON(http.StatusOK, s.currentStatus("ready"))
}

func (s *Service) currentStatus(status string) statusResponse {
	_, running := s.ingress.Running()
	stats := s.engine.Stats()

	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	providerLastOK := ""
	if !s.providerLastOKAt.IsZero() {
		providerLastOK = s.providerLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:           status,
		Mode:             string(s.mode),
		IngressRunning:   running,
		UptimeSeconds:    uptime,
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  s.providerLastErr,
		Sessions:         stats.Sessions,
		Generating:       stats.Generating,
	}
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
