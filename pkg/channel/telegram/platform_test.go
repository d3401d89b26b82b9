package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/require"

	"streambridge/pkg/bus"
	"streambridge/pkg/config"
	"streambridge/pkg/dispatch"
)

const testToken = "123456789:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// botAPIServer answers Bot API calls by method name.
type botAPIServer struct {
	mu      sync.Mutex
	calls   []string
	bodies  []map[string]any
	answers map[string][]string
}

func (s *botAPIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.calls = append(s.calls, method)
	s.bodies = append(s.bodies, body)
	answer := `{"ok":true,"result":true}`
	if queued := s.answers[method]; len(queued) > 0 {
		answer = queued[0]
		s.answers[method] = queued[1:]
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, answer)
}

func newTestBot(t *testing.T, server *botAPIServer) *telego.Bot {
	t.Helper()

	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)

	bot, err := NewBot(config.TelegramConfig{Token: testToken}, telego.WithAPIServer(httpServer.URL), telego.WithHTTPClient(httpServer.Client()))
	require.NoError(t, err)
	return bot
}

func TestPlatformSendsThroughBotAPI(t *testing.T) {
	server := &botAPIServer{answers: map[string][]string{
		"sendMessage":     {`{"ok":true,"result":{"message_id":77,"date":1,"chat":{"id":42,"type":"private"},"text":"Hi"}}`},
		"editMessageText": {`{"ok":true,"result":{"message_id":77,"date":1,"chat":{"id":42,"type":"private"},"text":"Hi there"}}`},
	}}
	platform := NewPlatform(newTestBot(t, server))
	ctx := context.Background()

	messageID, err := platform.SendText(ctx, 42, "Hi")
	require.NoError(t, err)
	require.Equal(t, 77, messageID)

	require.NoError(t, platform.EditText(ctx, dispatch.Handle{ChatID: 42, MessageID: 77}, "Hi there"))
	require.NoError(t, platform.SendTyping(ctx, 42))

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Equal(t, []string{"sendMessage", "editMessageText", "sendChatAction"}, server.calls)
	require.Equal(t, "Hi", server.bodies[0]["text"])
	require.EqualValues(t, 77, server.bodies[1]["message_id"])
	require.Equal(t, "typing", server.bodies[2]["action"])
}

func TestDispatcherReadsRetryAfterFromBotAPI(t *testing.T) {
	server := &botAPIServer{answers: map[string][]string{
		"editMessageText": {`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`},
	}}
	dispatcher := dispatch.New(NewPlatform(newTestBot(t, server)), dispatch.DefaultOptions())

	result := dispatcher.Edit(context.Background(), dispatch.Handle{ChatID: 42, MessageID: 1}, "Hi")
	require.True(t, result.RateLimited(), "result = %+v", result)
	require.Equal(t, 3*time.Second, result.Backoff)
	require.Greater(t, dispatcher.SuspendedFor(bus.ChatID(42)), 2*time.Second)
}

func TestDispatcherTreatsNotModifiedAsApplied(t *testing.T) {
	server := &botAPIServer{answers: map[string][]string{
		"editMessageText": {`{"ok":false,"error_code":400,"description":"Bad Request: message is not modified: specified new message content and reply markup are exactly the same"}`},
	}}
	dispatcher := dispatch.New(NewPlatform(newTestBot(t, server)), dispatch.DefaultOptions())

	result := dispatcher.Edit(context.Background(), dispatch.Handle{ChatID: 42, MessageID: 1}, "same")
	require.True(t, result.OK(), "result = %+v", result)
}
