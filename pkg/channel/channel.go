package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"streambridge/pkg/bus"
)

// ErrInvalidMode is returned for an ingress mode other than webhook or polling.
var ErrInvalidMode = errors.New("invalid ingress mode")

// Adapter bridges one external transport (for example Telegram) into the engine.
//
// Start blocks until ctx is done. In webhook mode the adapter is passive and only forwards what
// the HTTP layer hands it; in polling mode it pulls updates itself.
type Adapter interface {
	Name() string
	Start(ctx context.Context, mode bus.IngressMode, handler bus.MessageHandler) error
}

// ParseMode validates a configured ingress mode. It is called once at startup.
func ParseMode(raw string) (bus.IngressMode, error) {
	switch mode := bus.IngressMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case bus.ModeWebhook, bus.ModePolling:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidMode, raw, bus.ModeWebhook, bus.ModePolling)
	}
}
