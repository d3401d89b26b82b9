package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus decouples ingress from the engine and fans out lifecycle events.
type MessageBus struct {
	inbound chan IncomingMessage

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return NewMessageBusWithBuffer(defaultBufferSize)
}

func NewMessageBusWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}

	return &MessageBus{
		inbound:          make(chan IncomingMessage, size),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, msg IncomingMessage) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.inbound <- msg:
		return true
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (IncomingMessage, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return IncomingMessage{}, false
	case <-mb.done:
		return IncomingMessage{}, false
	case msg := <-mb.inbound:
		return msg, true
	}
}

// Route drains inbound messages into handler until ctx is done or the bus closes.
// Handler errors are returned to the caller through onError and never stop the loop.
func (mb *MessageBus) Route(ctx context.Context, handler MessageHandler, onError func(IncomingMessage, error)) {
	for {
		msg, ok := mb.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if err := handler(msg); err != nil && onError != nil {
			onError(msg, err)
		}
	}
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
