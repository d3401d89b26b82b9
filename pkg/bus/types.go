package bus

import (
	"strconv"
	"time"
)

// ChatID identifies one conversation thread on the messaging platform.
type ChatID int64

func (id ChatID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// IngressMode names how a message entered the process.
type IngressMode string

const (
	ModeWebhook IngressMode = "webhook"
	ModePolling IngressMode = "polling"
	ModeConsole IngressMode = "console"
)

// IncomingMessage is one normalized user message. It is passed by value and never mutated.
type IncomingMessage struct {
	ChatID    ChatID      `json:"chat_id"`
	SenderID  string      `json:"sender_id"`
	UpdateID  int         `json:"update_id,omitempty"`
	Text      string      `json:"text"`
	ArrivedAt time.Time   `json:"arrived_at"`
	Mode      IngressMode `json:"mode"`
}

// MessageHandler consumes normalized inbound messages.
type MessageHandler func(IncomingMessage) error
