package engine

import (
	"strings"
	"time"
)

// EditEvent is one buffer snapshot to render. Text is always the full message, never a delta.
type EditEvent struct {
	GenerationID uint64
	Seq          uint64
	Text         string
	Terminal     bool
}

// Scheduler decides when a generation's growing buffer is flushed.
//
// It is not safe for concurrent use; each generation owns one and drives it from a single goroutine.
// Time is always passed in, so cadence rules can be tested without a clock.
type Scheduler struct {
	generationID uint64
	threshold    int
	interval     time.Duration

	buf        strings.Builder
	deltas     int
	seq        uint64
	flushed    bool
	lastFlush  time.Time
	notBefore  time.Time
	emittedLen int
	appliedLen int
	finished   bool
}

func NewScheduler(generationID uint64, threshold int, interval time.Duration) *Scheduler {
	if threshold < 1 {
		threshold = 1
	}
	if interval < 0 {
		interval = 0
	}

	return &Scheduler{generationID: generationID, threshold: threshold, interval: interval}
}

// Append adds one delta to the buffer. Empty deltas are ignored.
func (s *Scheduler) Append(delta string) {
	if delta == "" || s.finished {
		return
	}
	s.buf.WriteString(delta)
	s.deltas++
}

func (s *Scheduler) Text() string {
	return s.buf.String()
}

func (s *Scheduler) Deltas() int {
	return s.deltas
}

// Pending reports buffered content that has not been emitted yet.
func (s *Scheduler) Pending() bool {
	return s.buf.Len() > s.emittedLen
}

// Flushed reports whether at least one snapshot was applied by the platform.
func (s *Scheduler) Flushed() bool {
	return s.appliedLen > 0
}

// NextAt returns the earliest instant a non-terminal flush may happen.
// The zero time means "only gated by the threshold".
func (s *Scheduler) NextAt() time.Time {
	next := s.notBefore
	if s.flushed {
		if due := s.lastFlush.Add(s.interval); due.After(next) {
			next = due
		}
	}
	return next
}

// Ready reports whether Flush would emit at now.
func (s *Scheduler) Ready(now time.Time) bool {
	if s.finished || !s.Pending() {
		return false
	}
	if !s.flushed && s.deltas < s.threshold {
		return false
	}
	return !now.Before(s.NextAt())
}

// Flush emits a snapshot if the threshold, interval and backoff rules allow it.
func (s *Scheduler) Flush(now time.Time) (EditEvent, bool) {
	if !s.Ready(now) {
		return EditEvent{}, false
	}

	return s.emit(now, s.buf.String(), false), true
}

// Final emits the terminal snapshot, ignoring interval and backoff. The suffix carries
// failure or cancellation markers. It reports false when nothing would change on screen.
func (s *Scheduler) Final(now time.Time, suffix string) (EditEvent, bool) {
	if s.finished {
		return EditEvent{}, false
	}
	s.finished = true

	text := s.buf.String() + suffix
	if text == "" || len(text) <= s.appliedLen {
		return EditEvent{}, false
	}

	return s.emit(now, text, true), true
}

// Retry re-emits a terminal snapshot the platform did not apply.
func (s *Scheduler) Retry(now time.Time, event EditEvent) (EditEvent, bool) {
	if !event.Terminal || len(event.Text) <= s.appliedLen {
		return EditEvent{}, false
	}

	return s.emit(now, event.Text, true), true
}

// Backoff pushes the next non-terminal flush out by d from now. Buffered text is kept.
func (s *Scheduler) Backoff(now time.Time, d time.Duration) {
	if until := now.Add(d); until.After(s.notBefore) {
		s.notBefore = until
	}
}

// Ack records the outcome of an emitted event. A failed event is not retried; the next
// snapshot supersedes it.
func (s *Scheduler) Ack(event EditEvent, applied bool) {
	if applied && len(event.Text) > s.appliedLen {
		s.appliedLen = len(event.Text)
	}
}

func (s *Scheduler) emit(now time.Time, text string, terminal bool) EditEvent {
	s.seq++
	s.flushed = true
	s.lastFlush = now
	if len(text) > s.emittedLen {
		s.emittedLen = len(text)
	}

	return EditEvent{
		GenerationID: s.generationID,
		Seq:          s.seq,
		Text:         text,
		Terminal:     terminal,
	}
}
