package telegram

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"streambridge/pkg/bus"
	"streambridge/pkg/dispatch"
)

// maxMessageRunes is the Bot API limit for one message text.
const maxMessageRunes = 4096

// Platform implements dispatch.Platform on top of the Bot API.
type Platform struct {
	api API
}

func NewPlatform(api API) *Platform {
	return &Platform{api: api}
}

func (p *Platform) SendText(ctx context.Context, chatID bus.ChatID, text string) (int, error) {
	message, err := p.api.SendMessage(ctx, tu.Message(tu.ID(int64(chatID)), clampText(text)))
	if err != nil {
		return 0, err
	}
	if message == nil {
		return 0, errors.New("sendMessage returned no message")
	}
	return message.MessageID, nil
}

func (p *Platform) EditText(ctx context.Context, handle dispatch.Handle, text string) error {
	_, err := p.api.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(int64(handle.ChatID)),
		MessageID: handle.MessageID,
		Text:      clampText(text),
	})
	return err
}

func (p *Platform) SendTyping(ctx context.Context, chatID bus.ChatID) error {
	return p.api.SendChatAction(ctx, tu.ChatAction(tu.ID(int64(chatID)), telego.ChatActionTyping))
}

// clampText keeps the tail of over-long answers so the newest text stays visible.
func clampText(text string) string {
	if utf8.RuneCountInString(text) <= maxMessageRunes {
		return text
	}

	runes := []rune(text)
	return "…" + string(runes[len(runes)-maxMessageRunes+1:])
}
