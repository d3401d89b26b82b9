// Package store keeps per-chat conversation history used to prime each generation.
package store

import (
	"context"
	"fmt"
	"time"

	"streambridge/pkg/bus"
	"streambridge/pkg/config"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one persisted message of a conversation.
type Turn struct {
	Role      Role
	Text      string
	CreatedAt time.Time
}

// History is the conversation store. Recent returns turns oldest first.
type History interface {
	Append(ctx context.Context, chatID bus.ChatID, turn Turn) error
	Recent(ctx context.Context, chatID bus.ChatID, limit int) ([]Turn, error)
	Clear(ctx context.Context, chatID bus.ChatID) error
	Close()
}

// Open builds the configured history backend.
func Open(ctx context.Context, cfg config.StoreConfig) (History, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(0), nil
	case "postgres":
		return OpenPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
