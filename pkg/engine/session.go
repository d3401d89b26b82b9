package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"streambridge/pkg/bus"
)

type State int

const (
	StateIdle State = iota
	StateGenerating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the per-chat state machine. mu guards state transitions; outMu is the delivery gate
// that orders platform writes across the generations of this chat.
type Session struct {
	chatID bus.ChatID
	engine *Engine
	log    *slog.Logger

	mu           sync.Mutex
	state        State
	current      *Generation
	nextID       uint64
	lastActivity time.Time
	lastTypingAt time.Time

	outMu          sync.Mutex
	lastAppliedGen uint64
	lastRendered   string
	lastEditAt     time.Time
}

func newSession(e *Engine, chatID bus.ChatID) *Session {
	return &Session{
		chatID:       chatID,
		engine:       e,
		log:          e.log.With("chat_id", int64(chatID)),
		lastActivity: e.now(),
	}
}

func (s *Session) ChatID() bus.ChatID {
	return s.chatID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastRendered returns the text the platform currently shows for this chat's latest message.
func (s *Session) LastRendered() string {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.lastRendered
}

func (s *Session) LastEditAt() time.Time {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.lastEditAt
}

// start preempts the running generation, if any, and launches a new one for msg.
func (s *Session) start(msg bus.IncomingMessage) error {
	e := s.engine

	s.mu.Lock()
	if prev := s.current; prev != nil {
		prev.cancel(errPreempted)
		s.log.Info("Preempting generation", "generation_id", prev.ID)
	}
	s.nextID++
	gen := newGeneration(s, s.nextID, uuid.NewString(), msg)
	s.current = gen
	s.state = StateGenerating
	s.lastActivity = e.now()
	s.mu.Unlock()

	if !e.spawn(func() {
		gen.run()
		s.finish(gen)
	}) {
		gen.cancel(errShutdown)
		s.finish(gen)
		return ErrClosed
	}
	return nil
}

// finish returns the session to Idle unless a successor already took over.
func (s *Session) finish(gen *Generation) {
	gen.cancel(nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == gen {
		s.current = nil
		s.state = StateIdle
	}
	s.lastActivity = s.engine.now()
}

// stop cancels the live generation. It reports whether one was running.
func (s *Session) stop(cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return false
	}
	s.current.cancel(cause)
	return true
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateIdle && s.lastActivity.Before(cutoff)
}

// typingDue claims the typing slot when the last indicator is older than interval.
func (s *Session) typingDue(now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastTypingAt.IsZero() && now.Sub(s.lastTypingAt) < interval {
		return false
	}
	s.lastTypingAt = now
	return true
}

// command applies cmd to the session. The reply is sent on a tracked goroutine so a suspended
// chat lane never holds up the caller.
func (s *Session) command(ctx context.Context, cmd command) error {
	e := s.engine
	s.touch()

	var reply string
	switch cmd {
	case commandHistory:
		if !e.spawn(func() { s.showHistory() }) {
			return ErrClosed
		}
		s.log.Info("Handled command", "command", string(cmd))
		return nil
	case commandStart:
		reply = greetingText
	case commandNew:
		s.stop(errStopped)
		if err := e.deps.History.Clear(ctx, s.chatID); err != nil {
			s.log.Warn("Failed to clear history", "error", err)
		}
		reply = newChatText
	case commandStop:
		if !s.stop(errStopped) {
			reply = nothingText
		}
	}

	s.log.Info("Handled command", "command", string(cmd))
	if reply == "" {
		return nil
	}

	if !e.spawn(func() { s.reply(cmd, reply) }) {
		return ErrClosed
	}
	return nil
}

func (s *Session) reply(cmd command, texts ...string) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	for _, text := range texts {
		_, result := s.engine.deps.Outbound.Send(s.engine.ctx, s.chatID, text)
		switch {
		case result.Err != nil:
			s.log.Warn("Failed to reply to command", "command", string(cmd), "error", result.Err)
			return
		case result.RateLimited():
			s.log.Warn("Command reply rate limited", "command", string(cmd), "retry_after", result.Backoff)
			return
		}
	}
}

// showHistory sends the stored conversation of this chat, oldest first, split to fit the
// platform message limit.
func (s *Session) showHistory() {
	turns, err := s.engine.deps.History.Recent(s.engine.ctx, s.chatID, historyTurns)
	if err != nil {
		s.log.Warn("Failed to load history", "error", err)
		return
	}

	chunks := chunkHistory(turns, chunkRunes)
	if len(chunks) == 0 {
		chunks = []string{emptyText}
	}
	s.reply(commandHistory, chunks...)
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.engine.now()
}
