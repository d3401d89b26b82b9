package types

import (
	"context"
	"strings"
)

// Role identifies the author of one prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one provider-neutral prompt entry.
type Message struct {
	Role    Role
	Content string
}

// Params are the sampling parameters forwarded to the model backend.
// Zero values mean "use the backend default".
type Params struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// Request is one streaming completion call.
type Request struct {
	Messages []Message
	Params   Params
}

// Prompt renders the request as a single transcript, used for logs and backends without roles.
func (r Request) Prompt() string {
	var b strings.Builder
	for i, message := range r.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(string(message.Role))
		b.WriteString(": ")
		b.WriteString(message.Content)
	}
	return b.String()
}

// DeltaStream is a finite, non-restartable sequence of text deltas.
//
// Next returns io.EOF after the last delta. Once the caller's context is cancelled or Close
// has been called, Next returns promptly and no further deltas are delivered.
type DeltaStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// TokenUsage captures token accounting reported at the end of a stream.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0
}
