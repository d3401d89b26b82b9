package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"streambridge/pkg/bus"
	"streambridge/pkg/dispatch"
	"streambridge/pkg/logger"
	providertypes "streambridge/pkg/provider/types"
	"streambridge/pkg/retrieval"
	"streambridge/pkg/store"
)

const (
	failureMarker  = "\n\n[response interrupted]"
	cancelMarker   = "\n\n[cancelled]"
	failureMessage = "Sorry, I couldn't generate a response. Please try again."

	terminalAttempts = 3
)

// Generation is one streamed answer to one user message.
type Generation struct {
	ID        uint64
	RequestID string
	Message   bus.IncomingMessage
	StartedAt time.Time

	session *Session
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelCauseFunc
	sched   *Scheduler
	handle  dispatch.Handle
}

type streamItem struct {
	delta string
	err   error
}

func newGeneration(s *Session, id uint64, requestID string, msg bus.IncomingMessage) *Generation {
	e := s.engine
	ctx, cancel := context.WithCancelCause(e.ctx)

	return &Generation{
		ID:        id,
		RequestID: requestID,
		Message:   msg,
		StartedAt: e.now(),
		session:   s,
		log:       s.log.With("generation_id", id, "request_id", requestID),
		ctx:       ctx,
		cancel:    cancel,
		sched:     NewScheduler(id, e.opts.Streaming.InitialTokenThreshold, e.opts.Streaming.EditInterval()),
		handle:    dispatch.Handle{ChatID: s.chatID},
	}
}

func (g *Generation) run() {
	e := g.session.engine

	g.log.Info("Generation started", "text", logger.Preview(g.Message.Text))
	g.publish(bus.EventGenerationStarted, nil, nil)
	g.typing(true)

	req := g.buildRequest()
	if err := g.ctx.Err(); err != nil {
		g.conclude(err)
		return
	}

	stream, err := e.deps.Model.Stream(g.ctx, req)
	if err != nil {
		g.conclude(err)
		return
	}

	g.conclude(g.consume(stream))
}

// buildRequest assembles system prompt, history and the retrieval-augmented user message, and
// records the user turn. Retrieval and history failures degrade the prompt and never abort.
func (g *Generation) buildRequest() providertypes.Request {
	e := g.session.engine
	chatID := g.session.chatID
	text := g.Message.Text

	messages := make([]providertypes.Message, 0, e.opts.Streaming.HistoryLimit+2)
	if e.opts.SystemPrompt != "" {
		messages = append(messages, providertypes.Message{Role: providertypes.RoleSystem, Content: e.opts.SystemPrompt})
	}

	if limit := e.opts.Streaming.HistoryLimit; limit > 0 {
		turns, err := e.deps.History.Recent(g.ctx, chatID, limit)
		if err != nil {
			g.log.Warn("Failed to load history", "error", err)
		}
		for _, turn := range turns {
			role := providertypes.RoleUser
			if turn.Role == store.RoleAssistant {
				role = providertypes.RoleAssistant
			}
			messages = append(messages, providertypes.Message{Role: role, Content: turn.Text})
		}
	}

	var snippets []retrieval.Snippet
	if e.opts.TopK > 0 {
		found, err := e.deps.Retriever.Search(g.ctx, text, e.opts.TopK)
		switch {
		case err != nil && g.ctx.Err() == nil:
			g.log.Warn("Retrieval failed, continuing without context", "error", err, "category", retrieval.CategoryFromError(err))
			g.publish(bus.EventRetrievalFailed, err, map[string]string{"category": retrieval.CategoryFromError(err)})
		case err == nil:
			snippets = found
			g.log.Debug("Retrieved context", "snippets", len(found))
		}
	}

	messages = append(messages, providertypes.Message{Role: providertypes.RoleUser, Content: retrieval.BuildUserPrompt(snippets, text)})

	if err := e.deps.History.Append(g.ctx, chatID, store.Turn{Role: store.RoleUser, Text: text, CreatedAt: g.StartedAt}); err != nil && g.ctx.Err() == nil {
		g.log.Warn("Failed to record user turn", "error", err)
	}

	return providertypes.Request{Messages: messages, Params: e.opts.Params}
}

// consume drives the stream into the scheduler until it ends, fails, stalls or is cancelled.
//
// The newest delta is held back until the next stream item arrives or HoldLinger passes, so the
// last delta of a stream always lands in the terminal flush.
func (g *Generation) consume(stream providertypes.DeltaStream) error {
	e := g.session.engine
	streaming := e.opts.Streaming

	readCtx, stopReading := context.WithCancel(g.ctx)
	items := make(chan streamItem, itemBuffer)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			delta, err := stream.Next(readCtx)
			select {
			case items <- streamItem{delta: delta, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer g.release(stream, stopReading, readerDone)

	var (
		held       string
		holding    bool
		heldAt     time.Time
		lastItemAt = e.now()
	)
	releaseHeld := func() {
		if holding {
			g.sched.Append(held)
			held, holding = "", false
		}
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := e.now()
		if holding && !now.Before(heldAt.Add(e.opts.HoldLinger)) {
			releaseHeld()
		}
		if stall := streaming.StallTimeout(); stall > 0 && len(items) == 0 && !now.Before(lastItemAt.Add(stall)) {
			releaseHeld()
			return ErrStalled
		}
		if event, ok := g.sched.Flush(now); ok {
			g.deliver(g.ctx, event)
			now = e.now()
		}
		g.typing(false)

		wake := g.nextWake(now, holding, heldAt, lastItemAt)
		if wake.IsZero() {
			timer.Stop()
		} else {
			timer.Reset(max(wake.Sub(now), 0))
		}

		select {
		case <-g.ctx.Done():
			releaseHeld()
			return context.Cause(g.ctx)
		case item := <-items:
			lastItemAt = e.now()
			if item.err != nil {
				releaseHeld()
				if errors.Is(item.err, io.EOF) {
					return nil
				}
				return item.err
			}
			if item.delta == "" {
				continue
			}
			releaseHeld()
			held, holding, heldAt = item.delta, true, lastItemAt
		case <-timer.C:
		}
	}
}

// nextWake is the earliest instant the loop has timed work to do. The zero time means none.
func (g *Generation) nextWake(now time.Time, holding bool, heldAt, lastItemAt time.Time) time.Time {
	e := g.session.engine
	streaming := e.opts.Streaming

	var wake time.Time
	consider := func(t time.Time) {
		if wake.IsZero() || t.Before(wake) {
			wake = t
		}
	}

	if holding {
		consider(heldAt.Add(e.opts.HoldLinger))
	}
	if g.sched.Pending() && g.sched.Deltas() >= streaming.InitialTokenThreshold {
		if next := g.sched.NextAt(); next.IsZero() {
			consider(now)
		} else {
			consider(next)
		}
	}
	if stall := streaming.StallTimeout(); stall > 0 {
		consider(lastItemAt.Add(stall))
	}
	if interval := streaming.TypingInterval(); interval > 0 {
		g.session.mu.Lock()
		last := g.session.lastTypingAt
		g.session.mu.Unlock()
		consider(last.Add(interval))
	}

	if !wake.IsZero() && wake.Before(now) {
		return now
	}
	return wake
}

// release stops the reader, closes the stream and gives the reader cancel_grace to exit.
func (g *Generation) release(stream providertypes.DeltaStream, stopReading context.CancelFunc, readerDone <-chan struct{}) {
	stopReading()
	if err := stream.Close(); err != nil {
		g.log.Debug("Failed to close model stream", "error", err)
	}

	grace := g.session.engine.opts.Streaming.CancelGrace()
	if grace <= 0 {
		return
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-readerDone:
	case <-timer.C:
		g.log.Warn("Model stream did not stop within cancel grace", "grace", grace)
	}
}

// deliver applies one snapshot through the session's delivery gate.
func (g *Generation) deliver(ctx context.Context, event EditEvent) dispatch.Result {
	s := g.session
	e := s.engine

	s.outMu.Lock()
	defer s.outMu.Unlock()

	if s.lastAppliedGen > g.ID {
		g.sched.Ack(event, false)
		return dispatch.Result{Err: dispatch.ErrSuperseded}
	}

	var result dispatch.Result
	operation := "edit"
	if g.handle.Valid() {
		result = e.deps.Outbound.Edit(ctx, g.handle, event.Text)
	} else {
		operation = "send"
		var handle dispatch.Handle
		handle, result = e.deps.Outbound.Send(ctx, s.chatID, event.Text)
		if result.OK() {
			g.handle = handle
		}
	}

	now := e.now()
	payload := map[string]string{"operation": operation}
	switch {
	case result.OK():
		s.lastAppliedGen = g.ID
		s.lastRendered = event.Text
		s.lastEditAt = now
		g.sched.Ack(event, true)
		g.publish(bus.EventEditApplied, nil, payload)
	case result.RateLimited():
		g.sched.Ack(event, false)
		g.sched.Backoff(now, result.Backoff)
		payload["retry_after"] = result.Backoff.String()
		g.log.Warn("Edit rate limited", "seq", event.Seq, "retry_after", result.Backoff)
		g.publish(bus.EventEditRateLimited, nil, payload)
	default:
		g.sched.Ack(event, false)
		if ctx.Err() == nil {
			g.log.Warn("Edit failed", "seq", event.Seq, "operation", operation, "error", result.Err)
			g.publish(bus.EventEditFailed, result.Err, payload)
		}
	}

	return result
}

// conclude performs the terminal flush for the stream outcome and records it.
func (g *Generation) conclude(err error) {
	e := g.session.engine
	text := g.sched.Text()
	elapsed := e.now().Sub(g.StartedAt)

	if err == nil && text == "" {
		err = ErrEmptyResponse
	}

	switch {
	case err == nil:
		g.finalize(g.ctx, "")
		if appendErr := e.deps.History.Append(g.ctx, g.session.chatID, store.Turn{Role: store.RoleAssistant, Text: text, CreatedAt: e.now()}); appendErr != nil {
			g.log.Warn("Failed to record assistant turn", "error", appendErr)
		}
		g.log.Info("Generation completed", "deltas", g.sched.Deltas(), "chars", len(text), "elapsed", elapsed)
		g.publish(bus.EventGenerationCompleted, nil, map[string]string{"chars": strconv.Itoa(len(text))})

	case g.ctx.Err() != nil:
		cause := context.Cause(g.ctx)
		reason := "stopped"
		switch {
		case errors.Is(cause, errPreempted):
			reason = "preempted"
		case errors.Is(cause, errShutdown):
			reason = "shutdown"
		}

		// A preempted generation leaves the chat to its successor.
		if reason != "preempted" && g.handle.Valid() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(g.ctx), e.opts.TerminalTimeout)
			g.finalize(ctx, cancelMarker)
			cancel()
		}
		g.log.Info("Generation cancelled", "reason", reason, "elapsed", elapsed)
		g.publish(bus.EventGenerationCancelled, nil, map[string]string{"reason": reason})

	default:
		suffix := failureMarker
		if text == "" {
			suffix = failureMessage
		}
		g.finalize(g.ctx, suffix)
		g.log.Error("Generation failed", "error", err, "chars", len(text), "elapsed", elapsed)
		g.publish(bus.EventGenerationFailed, err, nil)
	}
}

// finalize emits the terminal snapshot and retries it across rate limits.
func (g *Generation) finalize(ctx context.Context, suffix string) {
	e := g.session.engine

	event, ok := g.sched.Final(e.now(), suffix)
	for attempt := 1; ok; attempt++ {
		result := g.deliver(ctx, event)
		if !result.RateLimited() || attempt >= terminalAttempts {
			if !result.OK() {
				g.log.Warn("Terminal flush not applied", "attempt", attempt, "error", result.Err, "retry_after", result.Backoff)
			}
			return
		}
		if err := sleepContext(ctx, result.Backoff); err != nil {
			return
		}
		event, ok = g.sched.Retry(e.now(), event)
	}
}

func (g *Generation) typing(initial bool) {
	e := g.session.engine
	interval := e.opts.Streaming.TypingInterval()
	if !initial && interval <= 0 {
		return
	}
	if !g.session.typingDue(e.now(), interval) {
		return
	}

	if result := e.deps.Outbound.NotifyTyping(g.ctx, g.session.chatID); result.Err != nil && !result.RateLimited() && g.ctx.Err() == nil {
		g.log.Debug("Typing indicator failed", "error", result.Err)
	}
}

func (g *Generation) publish(eventType bus.EventType, err error, payload map[string]string) {
	event := bus.Event{
		Type:         eventType,
		ChatID:       g.session.chatID,
		RequestID:    g.RequestID,
		GenerationID: g.ID,
		Payload:      payload,
	}
	if err != nil {
		event.Error = err.Error()
	}
	g.session.engine.publish(event)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
