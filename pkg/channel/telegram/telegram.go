package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"streambridge/pkg/bus"
	"streambridge/pkg/channel"
	"streambridge/pkg/config"
	"streambridge/pkg/logger"
)

const channelName = "telegram"

// ErrNotRunning is returned by HandleWebhook before Start or after it returned.
var ErrNotRunning = errors.New("telegram adapter is not running")

// API is the subset of *telego.Bot the adapter, platform and setup drive.
type API interface {
	GetUpdates(ctx context.Context, params *telego.GetUpdatesParams) ([]telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	EditMessageText(ctx context.Context, params *telego.EditMessageTextParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
	SetMyCommands(ctx context.Context, params *telego.SetMyCommandsParams) error
	SetWebhook(ctx context.Context, params *telego.SetWebhookParams) error
	DeleteWebhook(ctx context.Context, params *telego.DeleteWebhookParams) error
}

// NewBot builds the Bot API client from configuration.
func NewBot(cfg config.TelegramConfig, options ...telego.BotOption) (*telego.Bot, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram.token is required")
	}

	options = append([]telego.BotOption{telego.WithDiscardLogger()}, options...)
	bot, err := telego.NewBot(token, options...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}
	return bot, nil
}

// Adapter normalizes Telegram updates into bus messages, either pushed by the webhook route or
// pulled by long polling.
type Adapter struct {
	cfg       config.TelegramConfig
	api       API
	allowFrom map[string]struct{}
	log       *slog.Logger
	updates   *updateLog

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	mu      sync.RWMutex
	handler bus.MessageHandler
	mode    bus.IngressMode
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, api API, log *slog.Logger) (*Adapter, error) {
	if api == nil {
		return nil, errors.New("telegram api is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		api:       api,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
		updates:   newUpdateLog(recentUpdateCap),
		now:       time.Now,
		sleep:     sleepContext,
	}, nil
}

// Name returns the channel identifier used in logs and status output.
func (a *Adapter) Name() string {
	return channelName
}

// Running reports whether Start is active, and in which mode.
func (a *Adapter) Running() (bus.IngressMode, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode, a.handler != nil
}

// Start runs the adapter in mode until ctx is done.
func (a *Adapter) Start(ctx context.Context, mode bus.IngressMode, handler bus.MessageHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if mode != bus.ModeWebhook && mode != bus.ModePolling {
		return fmt.Errorf("%w: %q", channel.ErrInvalidMode, mode)
	}

	a.mu.Lock()
	a.handler = handler
	a.mode = mode
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.handler = nil
		a.mu.Unlock()
	}()

	a.log.Info("Telegram channel started", "mode", string(mode))
	defer a.log.Info("Telegram channel stopped")

	if mode == bus.ModePolling {
		return a.poll(ctx, handler)
	}

	<-ctx.Done()
	return nil
}

// HandleWebhook decodes one pushed update and forwards it. Decoding errors are returned so the
// caller can log them; the update is never retried.
func (a *Adapter) HandleWebhook(ctx context.Context, payload []byte) error {
	a.mu.RLock()
	handler := a.handler
	a.mu.RUnlock()
	if handler == nil {
		return ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var update telego.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return fmt.Errorf("decode webhook update: %w", err)
	}

	if !a.updates.Claim(update.UpdateID) {
		a.log.Debug("Skipping duplicate update", "update_id", update.UpdateID)
		return nil
	}
	return a.forward(update, bus.ModeWebhook, handler)
}

// accept forwards one polled update unless it was already delivered, then advances the
// checkpoint past it.
func (a *Adapter) accept(update telego.Update, handler bus.MessageHandler) error {
	if a.updates.Seen(update.UpdateID) {
		a.log.Debug("Skipping duplicate update", "update_id", update.UpdateID)
		return nil
	}
	if err := a.forward(update, bus.ModePolling, handler); err != nil {
		return err
	}

	a.updates.Mark(update.UpdateID)
	return nil
}

func (a *Adapter) forward(update telego.Update, mode bus.IngressMode, handler bus.MessageHandler) error {
	msg, ok := a.normalize(update, mode)
	if !ok {
		return nil
	}

	a.log.Info("Received message", "chat_id", int64(msg.ChatID), "sender_id", msg.SenderID, "update_id", msg.UpdateID, "content", logger.Preview(msg.Text))
	if err := handler(msg); err != nil {
		return fmt.Errorf("forward update %d: %w", update.UpdateID, err)
	}
	return nil
}

// normalize maps a text message update onto an IncomingMessage. Everything else is dropped.
func (a *Adapter) normalize(update telego.Update, mode bus.IngressMode) (bus.IncomingMessage, bool) {
	message := update.Message
	if message == nil {
		a.log.Debug("Ignoring non-message update", "update_id", update.UpdateID)
		return bus.IncomingMessage{}, false
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		a.log.Debug("Ignoring non-text message", "update_id", update.UpdateID, "chat_id", message.Chat.ID)
		return bus.IncomingMessage{}, false
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender", "update_id", update.UpdateID)
		return bus.IncomingMessage{}, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return bus.IncomingMessage{}, false
	}

	return bus.IncomingMessage{
		ChatID:    bus.ChatID(message.Chat.ID),
		SenderID:  senderID,
		UpdateID:  update.UpdateID,
		Text:      content,
		ArrivedAt: a.now(),
		Mode:      mode,
	}, true
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
