package telegram

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mymmrac/telego"

	"streambridge/pkg/bus"
)

const (
	pollLimit          = 100
	pollCallSlack      = 10 * time.Second
	recentUpdateCap    = 1024
	pollBackoffInitial = time.Second
	pollBackoffMax     = 60 * time.Second
)

// poll pulls updates until ctx is done. Network failures back off and never end the loop.
func (a *Adapter) poll(ctx context.Context, handler bus.MessageHandler) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = pollBackoffInitial
	retry.MaxInterval = pollBackoffMax
	retry.Reset()

	timeout := a.cfg.PollTimeoutSeconds
	for {
		if ctx.Err() != nil {
			return nil
		}

		callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second+pollCallSlack)
		updates, err := a.api.GetUpdates(callCtx, &telego.GetUpdatesParams{
			Offset:         a.updates.Offset(),
			Limit:          pollLimit,
			Timeout:        timeout,
			AllowedUpdates: []string{"message"},
		})
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := retry.NextBackOff()
			a.log.Warn("Polling failed, backing off", "error", err, "retry_in", wait)
			if a.sleep(ctx, wait) != nil {
				return nil
			}
			continue
		}
		retry.Reset()

		for _, update := range updates {
			if err := a.accept(update, handler); err != nil {
				// The checkpoint stays put, so the rest of the batch is fetched again.
				a.log.Warn("Failed to forward update", "update_id", update.UpdateID, "error", err)
				break
			}
		}
	}
}

// updateLog remembers delivered update ids: everything below the checkpoint plus a bounded
// set of recent ids.
type updateLog struct {
	mu         sync.Mutex
	checkpoint int
	recent     map[int]struct{}
	order      []int
	limit      int
}

func newUpdateLog(limit int) *updateLog {
	return &updateLog{recent: make(map[int]struct{}, limit), limit: limit}
}

func (l *updateLog) Seen(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id < l.checkpoint {
		return true
	}
	_, ok := l.recent[id]
	return ok
}

// Mark records id as delivered and advances the checkpoint past it.
func (l *updateLog) Mark(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.remember(id)
	if id >= l.checkpoint {
		l.checkpoint = id + 1
	}
}

// Claim records a pushed update id and reports whether it was new. Webhook deliveries arrive
// out of order over parallel connections, so only the recent set is consulted and the
// checkpoint never moves.
func (l *updateLog) Claim(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.recent[id]; ok {
		return false
	}
	l.remember(id)
	return true
}

func (l *updateLog) remember(id int) {
	if _, ok := l.recent[id]; ok {
		return
	}
	l.recent[id] = struct{}{}
	l.order = append(l.order, id)
	if len(l.order) > l.limit {
		delete(l.recent, l.order[0])
		l.order = l.order[1:]
	}
}

// Offset is the getUpdates offset that confirms every marked update.
func (l *updateLog) Offset() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpoint
}
