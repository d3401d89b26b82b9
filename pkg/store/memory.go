package store

import (
	"context"
	"sync"

	"streambridge/pkg/bus"
)

const defaultMemoryCap = 200

// Memory keeps a bounded history per chat in process memory.
type Memory struct {
	mu    sync.RWMutex
	cap   int
	turns map[bus.ChatID][]Turn
}

func NewMemory(perChatCap int) *Memory {
	if perChatCap <= 0 {
		perChatCap = defaultMemoryCap
	}

	return &Memory{cap: perChatCap, turns: make(map[bus.ChatID][]Turn)}
}

func (m *Memory) Append(_ context.Context, chatID bus.ChatID, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	turns := append(m.turns[chatID], turn)
	if overflow := len(turns) - m.cap; overflow > 0 {
		turns = append([]Turn(nil), turns[overflow:]...)
	}
	m.turns[chatID] = turns
	return nil
}

func (m *Memory) Recent(_ context.Context, chatID bus.ChatID, limit int) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	turns := m.turns[chatID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	return append([]Turn(nil), turns...), nil
}

func (m *Memory) Clear(_ context.Context, chatID bus.ChatID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, chatID)
	return nil
}

func (m *Memory) Close() {}
