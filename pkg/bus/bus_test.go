package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestInboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	in := IncomingMessage{ChatID: 42, Text: "hello", Mode: ModePolling}
	if ok := mb.PublishInbound(context.Background(), in); !ok {
		t.Fatal("expected inbound publish to succeed")
	}

	out, ok := mb.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected inbound consume to succeed")
	}
	if out.Text != in.Text || out.ChatID != in.ChatID {
		t.Fatalf("message = %+v, want %+v", out, in)
	}
}

func TestCloseStopsBusOperations(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if ok := mb.PublishInbound(context.Background(), IncomingMessage{Text: "hello"}); ok {
		t.Fatal("expected inbound publish to fail after close")
	}
	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatal("expected inbound consume to stop after close")
	}
	if ok := mb.PublishEvent(context.Background(), Event{Type: EventGenerationStarted}); ok {
		t.Fatal("expected event publish to fail after close")
	}
}

func TestContextCancellation(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if ok := mb.PublishInbound(ctx, IncomingMessage{Text: "hello"}); ok {
		t.Fatal("expected publish to fail on canceled context")
	}

	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("expected consume to fail on canceled context")
	}
}

func TestConsumeUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = mb.ConsumeInbound(context.Background())
	}()

	mb.Close()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("consume did not unblock after close")
	}
}

func TestRouteDeliversInOrderAndReportsErrors(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		seen   []string
		failed []string
	)
	boom := errors.New("boom")

	done := make(chan struct{})
	go func() {
		defer close(done)
		mb.Route(ctx, func(msg IncomingMessage) error {
			mu.Lock()
			seen = append(seen, msg.Text)
			mu.Unlock()
			if msg.Text == "bad" {
				return boom
			}
			return nil
		}, func(msg IncomingMessage, err error) {
			if !errors.Is(err, boom) {
				t.Errorf("route error = %v, want %v", err, boom)
			}
			mu.Lock()
			failed = append(failed, msg.Text)
			mu.Unlock()
		})
	}()

	for _, text := range []string{"one", "bad", "two"} {
		if !mb.PublishInbound(ctx, IncomingMessage{ChatID: 1, Text: text}) {
			t.Fatalf("publish %q failed", text)
		}
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("route delivered %d messages, want 3", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != "one" || seen[1] != "bad" || seen[2] != "two" {
		t.Fatalf("route order = %v", seen)
	}
	if len(failed) != 1 || failed[0] != "bad" {
		t.Fatalf("failed = %v, want [bad]", failed)
	}
}

func TestEventFanout(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	eventsA, unsubA := mb.SubscribeEvents(ctx, 1)
	defer unsubA()
	eventsB, unsubB := mb.SubscribeEvents(ctx, 1)
	defer unsubB()

	event := Event{Type: EventGenerationStarted, RequestID: "1", ChatID: 7}
	if ok := mb.PublishEvent(ctx, event); !ok {
		t.Fatal("expected event publish to succeed")
	}

	for name, events := range map[string]<-chan Event{"A": eventsA, "B": eventsB} {
		select {
		case got := <-events:
			if got.Type != EventGenerationStarted {
				t.Fatalf("subscriber %s event type = %q, want %q", name, got.Type, EventGenerationStarted)
			}
			if got.At.IsZero() {
				t.Fatalf("subscriber %s expected event timestamp", name)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublishEvent(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventGenerationStarted}); !ok {
		t.Fatal("expected first event publish to succeed")
	}

	start := time.Now()
	if ok := mb.PublishEvent(ctx, Event{Type: EventGenerationCompleted}); !ok {
		t.Fatal("expected second event publish to succeed")
	}

	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish event blocked on slow subscriber")
	}

	select {
	case <-events:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one event")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	events, unsubscribe := mb.SubscribeEvents(context.Background(), 1)
	unsubscribe()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event channel close after unsubscribe")
	}
}

func TestChatIDString(t *testing.T) {
	if got := ChatID(-100123).String(); got != "-100123" {
		t.Fatalf("ChatID.String = %q, want %q", got, "-100123")
	}
}
