package engine

import (
	"strings"
	"unicode/utf8"

	"streambridge/pkg/store"
)

type command string

const (
	commandStart   command = "start"
	commandNew     command = "new"
	commandStop    command = "stop"
	commandHistory command = "history"
)

const (
	greetingText = "Hi! Send me a message and I will answer as I write.\n\n/new starts a new chat\n/stop stops the current answer\n/history shows this chat"
	newChatText  = "Started a new chat."
	nothingText  = "Nothing to stop."
	emptyText    = "This chat is empty."
)

const (
	// historyTurns caps how far back /history reads.
	historyTurns = 200
	// chunkRunes is the platform limit for one message text.
	chunkRunes = 4096
)

// CommandInfo describes one bot command for registration with the platform.
type CommandInfo struct {
	Name        string
	Description string
}

// Commands lists the bot commands the engine understands.
var Commands = []CommandInfo{
	{Name: string(commandStart), Description: "Start the bot"},
	{Name: string(commandNew), Description: "Start a new chat"},
	{Name: string(commandStop), Description: "Stop the current answer"},
	{Name: string(commandHistory), Description: "Show the current chat"},
}

// parseCommand recognizes "/name" and "/name@botname" as the first word of text.
func parseCommand(text string) (command, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}

	name, _, _ := strings.Cut(strings.Fields(text)[0][1:], "@")
	switch strings.ToLower(name) {
	case "start":
		return commandStart, true
	case "new", "new_chat":
		return commandNew, true
	case "stop":
		return commandStop, true
	case "history":
		return commandHistory, true
	default:
		return "", false
	}
}

// chunkHistory renders turns as labelled blocks and packs them into messages of at most limit
// runes. Blocks are never split unless one alone exceeds the limit.
func chunkHistory(turns []store.Turn, limit int) []string {
	var chunks []string
	var current strings.Builder
	size := 0

	flush := func() {
		if text := strings.TrimRight(current.String(), "\n"); text != "" {
			chunks = append(chunks, text)
		}
		current.Reset()
		size = 0
	}

	for _, turn := range turns {
		block := historyLabel(turn.Role) + ":\n" + turn.Text + "\n\n"
		n := utf8.RuneCountInString(block)
		if size > 0 && size+n > limit {
			flush()
		}
		for n > limit {
			runes := []rune(block)
			chunks = append(chunks, string(runes[:limit]))
			block = string(runes[limit:])
			n -= limit
		}
		current.WriteString(block)
		size += n
	}
	flush()

	return chunks
}

func historyLabel(role store.Role) string {
	if role == store.RoleAssistant {
		return "Bot"
	}
	return "You"
}
