package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"streambridge/pkg/bus"
	"streambridge/pkg/config"
	"streambridge/pkg/logger"
)

type pollResult struct {
	updates []telego.Update
	err     error
}

type fakeAPI struct {
	mu sync.Mutex

	polls   []pollResult
	offsets []int
	drained chan struct{}

	sent     []*telego.SendMessageParams
	edited   []*telego.EditMessageTextParams
	actions  []*telego.SendChatActionParams
	commands []telego.BotCommand
	webhook  *telego.SetWebhookParams
	deleted  bool
}

func (f *fakeAPI) GetUpdates(ctx context.Context, params *telego.GetUpdatesParams) ([]telego.Update, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, params.Offset)
	if len(f.polls) == 0 {
		f.mu.Unlock()
		if f.drained != nil {
			select {
			case f.drained <- struct{}{}:
			default:
			}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := f.polls[0]
	f.polls = f.polls[1:]
	f.mu.Unlock()
	return next.updates, next.err
}

func (f *fakeAPI) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, params)
	return &telego.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeAPI) EditMessageText(_ context.Context, params *telego.EditMessageTextParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, params)
	return &telego.Message{MessageID: params.MessageID}, nil
}

func (f *fakeAPI) SendChatAction(_ context.Context, params *telego.SendChatActionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, params)
	return nil
}

func (f *fakeAPI) SetMyCommands(_ context.Context, params *telego.SetMyCommandsParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = params.Commands
	return nil
}

func (f *fakeAPI) SetWebhook(_ context.Context, params *telego.SetWebhookParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhook = params
	return nil
}

func (f *fakeAPI) DeleteWebhook(context.Context, *telego.DeleteWebhookParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = true
	return nil
}

func textUpdate(id int, chatID, senderID int64, text string) telego.Update {
	return telego.Update{
		UpdateID: id,
		Message: &telego.Message{
			MessageID: id * 10,
			Chat:      telego.Chat{ID: chatID, Type: "private"},
			From:      &telego.User{ID: senderID, FirstName: "Test"},
			Text:      text,
		},
	}
}

func newTestAdapter(t *testing.T, cfg config.TelegramConfig, api API) *Adapter {
	t.Helper()

	adapter, err := NewAdapter(cfg, api, logger.Discard())
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	return adapter
}

type collector struct {
	mu       sync.Mutex
	messages []bus.IncomingMessage
	err      error
}

func (c *collector) handle(msg bus.IncomingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		err := c.err
		c.err = nil
		return err
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *collector) updateIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.messages))
	for _, msg := range c.messages {
		ids = append(ids, msg.UpdateID)
	}
	return ids
}

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("allowFromSet missing 123")
	}
	if _, ok := allowed["456"]; !ok {
		t.Fatal("allowFromSet missing 456")
	}
}

func TestSenderAllowed(t *testing.T) {
	adapter := &Adapter{allowFrom: map[string]struct{}{"1": {}}}
	if !adapter.senderAllowed("1") {
		t.Fatal("expected sender 1 to be allowed")
	}
	if adapter.senderAllowed("2") {
		t.Fatal("expected sender 2 to be denied")
	}

	adapter.allowFrom = nil
	if !adapter.senderAllowed("any") {
		t.Fatal("expected sender to be allowed when allowlist empty")
	}
}

func TestNormalize(t *testing.T) {
	adapter := newTestAdapter(t, config.TelegramConfig{AllowFrom: []string{"7"}}, &fakeAPI{})
	arrived := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	adapter.now = func() time.Time { return arrived }

	msg, ok := adapter.normalize(textUpdate(5, -100, 7, "  hello  "), bus.ModePolling)
	if !ok {
		t.Fatal("expected text message to be accepted")
	}
	want := bus.IncomingMessage{ChatID: -100, SenderID: "7", UpdateID: 5, Text: "hello", ArrivedAt: arrived, Mode: bus.ModePolling}
	if msg != want {
		t.Fatalf("normalize = %+v, want %+v", msg, want)
	}

	dropped := map[string]telego.Update{
		"no message":   {UpdateID: 1},
		"empty text":   textUpdate(2, 1, 7, "   "),
		"unauthorized": textUpdate(3, 1, 8, "hi"),
		"no sender":    {UpdateID: 4, Message: &telego.Message{Chat: telego.Chat{ID: 1}, Text: "hi"}},
	}
	for name, update := range dropped {
		if _, ok := adapter.normalize(update, bus.ModePolling); ok {
			t.Fatalf("%s: expected update to be dropped", name)
		}
	}
}

func TestHandleWebhookRequiresStart(t *testing.T) {
	adapter := newTestAdapter(t, config.TelegramConfig{}, &fakeAPI{})

	err := adapter.HandleWebhook(context.Background(), []byte(`{"update_id":1}`))
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("HandleWebhook error = %v, want ErrNotRunning", err)
	}
}

func TestHandleWebhookForwardsAndDedups(t *testing.T) {
	adapter := newTestAdapter(t, config.TelegramConfig{}, &fakeAPI{})
	c := &collector{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adapter.Start(ctx, bus.ModeWebhook, c.handle) }()
	waitRunning(t, adapter)

	payload := []byte(`{"update_id":11,"message":{"message_id":3,"date":1,"chat":{"id":42,"type":"private"},"from":{"id":7,"is_bot":false,"first_name":"A"},"text":"hi there"}}`)
	if err := adapter.HandleWebhook(ctx, payload); err != nil {
		t.Fatalf("HandleWebhook error: %v", err)
	}
	if err := adapter.HandleWebhook(ctx, payload); err != nil {
		t.Fatalf("HandleWebhook duplicate error: %v", err)
	}
	if err := adapter.HandleWebhook(ctx, []byte(`{not json`)); err == nil {
		t.Fatal("expected decode error")
	}

	if got := c.updateIDs(); len(got) != 1 || got[0] != 11 {
		t.Fatalf("forwarded updates = %v, want [11]", got)
	}
	if c.messages[0].Mode != bus.ModeWebhook || c.messages[0].ChatID != 42 || c.messages[0].Text != "hi there" {
		t.Fatalf("message = %+v", c.messages[0])
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned %v", err)
	}
	if _, running := adapter.Running(); running {
		t.Fatal("adapter still running after Start returned")
	}
}

func TestHandleWebhookAcceptsOutOfOrderUpdates(t *testing.T) {
	adapter := newTestAdapter(t, config.TelegramConfig{}, &fakeAPI{})
	c := &collector{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adapter.Start(ctx, bus.ModeWebhook, c.handle) }()
	waitRunning(t, adapter)

	for _, id := range []int{11, 10, 11, 10} {
		payload, err := json.Marshal(textUpdate(id, 42, 7, "hello"))
		if err != nil {
			t.Fatalf("marshal update: %v", err)
		}
		if err := adapter.HandleWebhook(ctx, payload); err != nil {
			t.Fatalf("HandleWebhook(%d) error: %v", id, err)
		}
	}

	got := c.updateIDs()
	if len(got) != 2 || got[0] != 11 || got[1] != 10 {
		t.Fatalf("forwarded updates = %v, want [11 10]", got)
	}
	if adapter.updates.Offset() != 0 {
		t.Fatalf("webhook deliveries moved the polling checkpoint to %d", adapter.updates.Offset())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned %v", err)
	}
}

func TestPollingDedupsAndBacksOff(t *testing.T) {
	api := &fakeAPI{
		drained: make(chan struct{}, 1),
		polls: []pollResult{
			{err: errors.New("connection reset")},
			{updates: []telego.Update{textUpdate(1, 42, 7, "one"), textUpdate(2, 42, 7, "two")}},
			{updates: []telego.Update{textUpdate(2, 42, 7, "two"), {UpdateID: 3}, textUpdate(4, 42, 7, "four")}},
		},
	}
	adapter := newTestAdapter(t, config.TelegramConfig{PollTimeoutSeconds: 1}, api)

	var (
		sleepMu sync.Mutex
		sleeps  []time.Duration
	)
	adapter.sleep = func(ctx context.Context, d time.Duration) error {
		sleepMu.Lock()
		sleeps = append(sleeps, d)
		sleepMu.Unlock()
		return ctx.Err()
	}

	c := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adapter.Start(ctx, bus.ModePolling, c.handle) }()

	select {
	case <-api.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("poller never drained the scripted updates")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned %v", err)
	}

	if got := c.updateIDs(); len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 4 {
		t.Fatalf("forwarded updates = %v, want [1 2 4]", got)
	}

	api.mu.Lock()
	offsets := append([]int(nil), api.offsets...)
	api.mu.Unlock()
	if len(offsets) != 4 || offsets[0] != 0 || offsets[1] != 0 || offsets[2] != 3 || offsets[3] != 5 {
		t.Fatalf("offsets = %v, want [0 0 3 5]", offsets)
	}

	sleepMu.Lock()
	defer sleepMu.Unlock()
	if len(sleeps) != 1 {
		t.Fatalf("backoff sleeps = %v, want one", sleeps)
	}
	if sleeps[0] < 500*time.Millisecond || sleeps[0] > 1500*time.Millisecond {
		t.Fatalf("first backoff = %v, want about 1s", sleeps[0])
	}
}

func TestPollingKeepsCheckpointWhenForwardingFails(t *testing.T) {
	api := &fakeAPI{
		drained: make(chan struct{}, 1),
		polls: []pollResult{
			{updates: []telego.Update{textUpdate(1, 42, 7, "one"), textUpdate(2, 42, 7, "two")}},
			{updates: []telego.Update{textUpdate(1, 42, 7, "one"), textUpdate(2, 42, 7, "two")}},
		},
	}
	adapter := newTestAdapter(t, config.TelegramConfig{}, api)
	c := &collector{err: errors.New("bus full")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adapter.Start(ctx, bus.ModePolling, c.handle) }()

	select {
	case <-api.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("poller never drained the scripted updates")
	}
	cancel()
	<-done

	if got := c.updateIDs(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("forwarded updates = %v, want [1 2] after redelivery", got)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.offsets[1] != 0 {
		t.Fatalf("second offset = %d, want 0 (checkpoint held)", api.offsets[1])
	}
}

func TestStartRejectsUnknownMode(t *testing.T) {
	adapter := newTestAdapter(t, config.TelegramConfig{}, &fakeAPI{})
	if err := adapter.Start(context.Background(), bus.ModeConsole, func(bus.IncomingMessage) error { return nil }); err == nil {
		t.Fatal("expected error for console mode")
	}
}

func TestUpdateLogBoundsRecentSet(t *testing.T) {
	log := newUpdateLog(2)
	log.Mark(10)
	log.Mark(5)
	log.Mark(7)

	if !log.Seen(10) || !log.Seen(7) {
		t.Fatal("expected recent ids to be seen")
	}
	if !log.Seen(3) {
		t.Fatal("ids below the checkpoint count as seen")
	}
	if log.Seen(11) {
		t.Fatal("id 11 was never marked")
	}
	if log.Offset() != 11 {
		t.Fatalf("offset = %d, want 11", log.Offset())
	}

	if !log.Claim(3) {
		t.Fatal("Claim ignores the checkpoint")
	}
	if log.Claim(3) {
		t.Fatal("second Claim of the same id must report a duplicate")
	}
	if log.Offset() != 11 {
		t.Fatalf("Claim moved the offset to %d", log.Offset())
	}
}

func TestRegisterWebhookMode(t *testing.T) {
	api := &fakeAPI{}
	cfg := config.TelegramConfig{WebhookURL: "https://bot.example.com/webhook", WebhookSecret: "s3cret"}

	err := Register(context.Background(), api, cfg, bus.ModeWebhook, []Command{{Name: "start", Description: "Start the bot"}}, logger.Discard())
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if len(api.commands) != 1 || api.commands[0].Command != "start" {
		t.Fatalf("commands = %+v", api.commands)
	}
	if api.webhook == nil || api.webhook.URL != cfg.WebhookURL || api.webhook.SecretToken != "s3cret" {
		t.Fatalf("webhook = %+v", api.webhook)
	}
	if api.deleted {
		t.Fatal("webhook mode must not delete the webhook")
	}
}

func TestRegisterPollingModeDeletesWebhook(t *testing.T) {
	api := &fakeAPI{}
	if err := Register(context.Background(), api, config.TelegramConfig{}, bus.ModePolling, nil, logger.Discard()); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if !api.deleted {
		t.Fatal("expected deleteWebhook in polling mode")
	}
	if api.webhook != nil {
		t.Fatal("polling mode must not set a webhook")
	}
}

func TestClampTextKeepsTail(t *testing.T) {
	short := "hello"
	if got := clampText(short); got != short {
		t.Fatalf("clampText short = %q", got)
	}

	long := strings.Repeat("a", maxMessageRunes) + "END"
	got := clampText(long)
	if n := len([]rune(got)); n != maxMessageRunes {
		t.Fatalf("clamped length = %d, want %d", n, maxMessageRunes)
	}
	if !strings.HasSuffix(got, "END") {
		t.Fatalf("clamped text lost its tail")
	}
}

func waitRunning(t *testing.T, adapter *Adapter) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, running := adapter.Running(); running {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("adapter did not start")
}
