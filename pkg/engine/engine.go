// Package engine turns streamed model output into rate-limited chat edits.
//
// Each chat gets one Session. A Session runs at most one Generation at a time; a new user message
// preempts the running one. Generations feed their deltas through a Scheduler, which decides when
// the growing buffer is pushed to the platform through the dispatcher.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"streambridge/pkg/bus"
	"streambridge/pkg/config"
	"streambridge/pkg/dispatch"
	"streambridge/pkg/logger"
	providertypes "streambridge/pkg/provider/types"
	"streambridge/pkg/retrieval"
	"streambridge/pkg/store"
)

const (
	defaultHoldLinger      = 200 * time.Millisecond
	defaultTerminalTimeout = 15 * time.Second
	itemBuffer             = 64
)

var (
	ErrStalled       = errors.New("model stream stalled")
	ErrEmptyResponse = errors.New("model returned an empty response")
	ErrClosed        = errors.New("engine is closed")

	errPreempted = errors.New("preempted by a newer message")
	errStopped   = errors.New("stopped by user")
	errShutdown  = errors.New("engine shutting down")
)

// Model opens one response stream per generation.
type Model interface {
	Stream(ctx context.Context, req providertypes.Request) (providertypes.DeltaStream, error)
}

// Outbound is the dispatcher surface the engine drives.
type Outbound interface {
	Send(ctx context.Context, chatID bus.ChatID, text string) (dispatch.Handle, dispatch.Result)
	Edit(ctx context.Context, handle dispatch.Handle, text string) dispatch.Result
	NotifyTyping(ctx context.Context, chatID bus.ChatID) dispatch.Result
	Forget(chatID bus.ChatID)
}

// EventSink receives lifecycle events. *bus.MessageBus satisfies it.
type EventSink interface {
	PublishEvent(ctx context.Context, event bus.Event) bool
}

// Deps are the collaborators of the engine. Model and Outbound are required.
type Deps struct {
	Model     Model
	Outbound  Outbound
	Retriever retrieval.Retriever
	History   store.History
	Events    EventSink
}

type Options struct {
	Streaming    config.StreamingConfig
	SystemPrompt string
	Params       providertypes.Params
	TopK         int

	// HoldLinger is how long the newest delta is held back before it is released into the
	// buffer without a successor.
	HoldLinger time.Duration
	// TerminalTimeout bounds the final flush of a generation that was stopped.
	TerminalTimeout time.Duration

	Logger *slog.Logger
}

// OptionsFromConfig maps the runtime configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Streaming:    cfg.Streaming,
		SystemPrompt: strings.TrimSpace(cfg.Model.SystemPrompt),
		Params: providertypes.Params{
			Temperature: cfg.Model.Temperature,
			MaxTokens:   cfg.Model.MaxTokens,
			TopP:        cfg.Model.TopP,
		},
		TopK: cfg.Retrieval.TopK,
	}
}

type Engine struct {
	deps Deps
	opts Options
	log  *slog.Logger
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[bus.ChatID]*Session
	closed   bool
}

func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Model == nil {
		return nil, errors.New("engine requires a model")
	}
	if deps.Outbound == nil {
		return nil, errors.New("engine requires an outbound dispatcher")
	}
	if deps.Retriever == nil {
		deps.Retriever = retrieval.Noop{}
	}
	if deps.History == nil {
		deps.History = store.NewMemory(0)
	}
	if opts.Streaming.InitialTokenThreshold < 1 {
		opts.Streaming.InitialTokenThreshold = 1
	}
	if opts.HoldLinger <= 0 {
		opts.HoldLinger = defaultHoldLinger
	}
	if opts.TerminalTimeout <= 0 {
		opts.TerminalTimeout = defaultTerminalTimeout
	}

	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &Engine{
		deps:     deps,
		opts:     opts,
		log:      log.With("component", "engine"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[bus.ChatID]*Session),
	}, nil
}

// Handle routes one inbound message to its chat session. It returns once the generation is
// started; the response streams in the background.
func (e *Engine) Handle(ctx context.Context, msg bus.IncomingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		e.log.Debug("Dropping empty message", "chat_id", msg.ChatID)
		return nil
	}
	msg.Text = text

	session, err := e.session(msg.ChatID)
	if err != nil {
		return err
	}

	if command, ok := parseCommand(text); ok {
		return session.command(ctx, command)
	}

	return session.start(msg)
}

// Session returns the session for chatID if it exists.
func (e *Engine) Session(chatID bus.ChatID) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[chatID]
	return s, ok
}

func (e *Engine) session(chatID bus.ChatID) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}

	s, ok := e.sessions[chatID]
	if !ok {
		s = newSession(e, chatID)
		e.sessions[chatID] = s
		return s, nil
	}
	// Touched under e.mu, so EvictIdle cannot drop a session a caller is about to use.
	s.touch()
	return s, nil
}

// EvictIdle drops Idle sessions whose last activity is older than olderThan and returns how
// many were removed.
func (e *Engine) EvictIdle(olderThan time.Duration) int {
	if olderThan <= 0 {
		return 0
	}
	cutoff := e.now().Add(-olderThan)

	e.mu.Lock()
	evicted := 0
	for chatID, s := range e.sessions {
		if s.idleSince(cutoff) {
			delete(e.sessions, chatID)
			e.deps.Outbound.Forget(chatID)
			evicted++
		}
	}
	e.mu.Unlock()

	if evicted > 0 {
		e.log.Info("Evicted idle sessions", "count", evicted, "ttl", olderThan)
	}

	return evicted
}

// Stats is a point-in-time view of the session map.
type Stats struct {
	Sessions   int `json:"sessions"`
	Generating int `json:"generating"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	stats := Stats{Sessions: len(sessions)}
	for _, s := range sessions {
		if s.State() == StateGenerating {
			stats.Generating++
		}
	}
	return stats
}

// Close stops every live generation and waits for them to finish or ctx to expire.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel(errShutdown)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until no generation is running. Intended for tests and the console.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) publish(event bus.Event) {
	if e.deps.Events == nil {
		return
	}
	if event.At.IsZero() {
		event.At = e.now().UTC()
	}
	e.deps.Events.PublishEvent(context.Background(), event)
}

// spawn runs fn as a tracked goroutine unless the engine is closed.
func (e *Engine) spawn(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}
