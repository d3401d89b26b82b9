package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"streambridge/pkg/bus"
	"streambridge/pkg/dispatch"
	providertypes "streambridge/pkg/provider/types"
)

// ConsoleChat is the chat id every console message is sent under.
const ConsoleChat bus.ChatID = 1

// renderMsg carries the latest text of one outbound message to the model.
type renderMsg struct {
	messageID int
	text      string
}

type typingMsg struct{}

// lifecycleMsg reports a generation reaching a state the status line shows.
type lifecycleMsg struct {
	eventType bus.EventType
	err       string
}

// Console is an in-process messaging platform: sends and edits become cards in the terminal UI.
// It also receives engine lifecycle events.
type Console struct {
	mu       sync.Mutex
	send     func(tea.Msg)
	messages map[int]string
	nextID   int
}

func NewConsole() *Console {
	return &Console{messages: make(map[int]string)}
}

// attach routes future updates into a running program. Updates before attach are kept only in
// the console's own message log.
func (c *Console) attach(send func(tea.Msg)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send = send
}

func (c *Console) emit(msg tea.Msg) {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()

	if send != nil {
		send(msg)
	}
}

func (c *Console) SendText(ctx context.Context, _ bus.ChatID, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.messages[id] = text
	c.mu.Unlock()

	c.emit(renderMsg{messageID: id, text: text})
	return id, nil
}

func (c *Console) EditText(ctx context.Context, handle dispatch.Handle, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	previous, ok := c.messages[handle.MessageID]
	if ok {
		c.messages[handle.MessageID] = text
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("edit message %d: message not found", handle.MessageID)
	}
	if previous == text {
		return nil
	}

	c.emit(renderMsg{messageID: handle.MessageID, text: text})
	return nil
}

func (c *Console) SendTyping(ctx context.Context, _ bus.ChatID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.emit(typingMsg{})
	return nil
}

// PublishEvent forwards generation outcomes to the status line.
func (c *Console) PublishEvent(_ context.Context, event bus.Event) bool {
	switch event.Type {
	case bus.EventGenerationStarted, bus.EventGenerationCompleted, bus.EventGenerationFailed, bus.EventGenerationCancelled:
		c.emit(lifecycleMsg{eventType: event.Type, err: event.Error})
	}
	return true
}

// Text returns what message id currently shows.
func (c *Console) Text(id int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, ok := c.messages[id]
	return text, ok
}

const demoPace = 120 * time.Millisecond

// DemoModel answers without a backend by replaying a canned reply one word at a time.
type DemoModel struct {
	Pace time.Duration
}

func (m DemoModel) Stream(_ context.Context, req providertypes.Request) (providertypes.DeltaStream, error) {
	question := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == providertypes.RoleUser {
			question = req.Messages[i].Content
			break
		}
	}

	reply := demoReply(question)
	words := strings.SplitAfter(reply, " ")
	pace := m.Pace
	if pace <= 0 {
		pace = demoPace
	}
	return providertypes.FromSlice(words...).Paced(pace), nil
}

func demoReply(question string) string {
	question = strings.TrimSpace(question)
	if question == "" {
		return "Ask me anything and watch the answer stream in."
	}
	return fmt.Sprintf("You asked: %q. This is a demo model, so the answer is replayed word by word to show how edits arrive while the reply is still being written.", question)
}
