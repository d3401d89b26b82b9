package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego/telegoapi"
	"golang.org/x/time/rate"

	"streambridge/pkg/bus"
	"streambridge/pkg/logger"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 500 * time.Millisecond
	defaultBackoff    = time.Second
)

var (
	// ErrSuperseded reports an edit dropped because a newer generation already owns the chat.
	ErrSuperseded = errors.New("superseded by a newer generation")

	// ErrRateLimited is returned by typing calls made while the chat lane is suspended.
	ErrRateLimited = errors.New("chat is rate limited")
)

// Handle identifies one outbound message created by Send.
type Handle struct {
	ChatID    bus.ChatID
	MessageID int
}

// Valid reports whether the handle points at a sent message.
func (h Handle) Valid() bool {
	return h.MessageID != 0
}

// Result is the outcome of one outbound call. A rate limit is reported as Backoff, never as Err.
type Result struct {
	Backoff time.Duration
	Err     error
}

func (r Result) OK() bool {
	return r.Err == nil && r.Backoff == 0
}

func (r Result) RateLimited() bool {
	return r.Backoff > 0
}

// Platform is the messaging surface the dispatcher drives.
type Platform interface {
	SendText(ctx context.Context, chatID bus.ChatID, text string) (int, error)
	EditText(ctx context.Context, handle Handle, text string) error
	SendTyping(ctx context.Context, chatID bus.ChatID) error
}

// RateLimitError lets platforms other than Telegram report a retry-after hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: retry after %v", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

type Options struct {
	MaxRetries     int
	RetryDelay     time.Duration
	DefaultBackoff time.Duration
	RatePerSecond  float64
	Burst          int
	Logger         *slog.Logger
}

// Dispatcher serializes outbound calls per chat and absorbs platform rate limits.
type Dispatcher struct {
	platform Platform
	opts     Options
	limiter  *rate.Limiter
	log      *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	mu    sync.Mutex
	lanes map[bus.ChatID]*lane
}

type lane struct {
	mu             sync.Mutex
	suspendedUntil time.Time
}

func New(platform Platform, opts Options) *Dispatcher {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.DefaultBackoff <= 0 {
		opts.DefaultBackoff = defaultBackoff
	}

	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	return &Dispatcher{
		platform: platform,
		opts:     opts,
		limiter:  limiter,
		log:      log.With("component", "dispatch"),
		now:      time.Now,
		sleep:    sleepContext,
		lanes:    make(map[bus.ChatID]*lane),
	}
}

// DefaultOptions mirrors the dispatch config defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:     defaultMaxRetries,
		RetryDelay:     defaultRetryDelay,
		DefaultBackoff: defaultBackoff,
	}
}

// Send posts a new message and returns its handle.
func (d *Dispatcher) Send(ctx context.Context, chatID bus.ChatID, text string) (Handle, Result) {
	handle := Handle{ChatID: chatID}
	result := d.do(ctx, chatID, "send", true, func(callCtx context.Context) error {
		messageID, err := d.platform.SendText(callCtx, chatID, text)
		if err != nil {
			return err
		}
		handle.MessageID = messageID
		return nil
	})
	if !result.OK() {
		return Handle{ChatID: chatID}, result
	}

	return handle, result
}

// Edit replaces the full text of a previously sent message.
func (d *Dispatcher) Edit(ctx context.Context, handle Handle, text string) Result {
	if !handle.Valid() {
		return Result{Err: errors.New("edit requires a sent message handle")}
	}

	return d.do(ctx, handle.ChatID, "edit", true, func(callCtx context.Context) error {
		err := d.platform.EditText(callCtx, handle, text)
		if isNotModified(err) {
			return nil
		}
		return err
	})
}

// NotifyTyping sends a typing action. It never waits out a suspension.
func (d *Dispatcher) NotifyTyping(ctx context.Context, chatID bus.ChatID) Result {
	return d.do(ctx, chatID, "typing", false, func(callCtx context.Context) error {
		return d.platform.SendTyping(callCtx, chatID)
	})
}

// SuspendedFor returns how long the chat lane remains suspended.
func (d *Dispatcher) SuspendedFor(chatID bus.ChatID) time.Duration {
	l := d.lane(chatID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if remaining := l.suspendedUntil.Sub(d.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// Forget drops the lane state for an evicted chat. A lane with a call in flight or an active
// suspension is kept.
func (d *Dispatcher) Forget(chatID bus.ChatID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.lanes[chatID]
	if !ok || !l.mu.TryLock() {
		return
	}
	defer l.mu.Unlock()

	if l.suspendedUntil.After(d.now()) {
		return
	}
	delete(d.lanes, chatID)
}

func (d *Dispatcher) lane(chatID bus.ChatID) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.lanes[chatID]
	if !ok {
		l = &lane{}
		d.lanes[chatID] = l
	}
	return l
}

func (d *Dispatcher) do(ctx context.Context, chatID bus.ChatID, operation string, waitSuspension bool, call func(context.Context) error) Result {
	l := d.lane(chatID)
	l.mu.Lock()
	defer l.mu.Unlock()

	log := d.log.With("chat_id", chatID, "operation", operation)

	if remaining := l.suspendedUntil.Sub(d.now()); remaining > 0 {
		if !waitSuspension {
			return Result{Backoff: remaining, Err: ErrRateLimited}
		}
		if err := d.sleep(ctx, remaining); err != nil {
			return Result{Err: err}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= d.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.opts.RetryDelay); err != nil {
				return Result{Err: err}
			}
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return Result{Err: err}
			}
		}

		err := call(ctx)
		if err == nil {
			return Result{}
		}

		if backoff, ok := retryAfter(err); ok {
			if backoff <= 0 {
				backoff = d.opts.DefaultBackoff
			}
			l.suspendedUntil = d.now().Add(backoff)
			log.Warn("Platform rate limited chat", "retry_after", backoff)
			return Result{Backoff: backoff}
		}

		if ctx.Err() != nil {
			return Result{Err: ctx.Err()}
		}
		if permanent(err) {
			log.Debug("Outbound call rejected", "error", err)
			return Result{Err: err}
		}

		lastErr = err
		log.Debug("Outbound call failed", "attempt", attempt+1, "error", err)
	}

	return Result{Err: fmt.Errorf("%s failed after %d attempts: %w", operation, d.opts.MaxRetries+1, lastErr)}
}

// retryAfter extracts a rate-limit hint. A zero duration with ok=true means "rate limited, no hint".
func retryAfter(err error) (time.Duration, bool) {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) && apiErr.ErrorCode == 429 {
		if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
			return time.Duration(apiErr.Parameters.RetryAfter) * time.Second, true
		}
		return 0, true
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter, true
	}

	var hinted interface{ RetryAfter() time.Duration }
	if errors.As(err, &hinted) {
		return hinted.RetryAfter(), true
	}

	return 0, false
}

// permanent reports client errors that a retry cannot fix.
func permanent(err error) bool {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode >= 400 && apiErr.ErrorCode < 500
	}
	return false
}

func isNotModified(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == 400 && strings.Contains(apiErr.Description, "message is not modified")
	}
	return false
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
