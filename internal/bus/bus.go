package bus

import (
	"context"
	"sync"
)

// MessageBus is the in-process implementation of MessageRouter and
// EventPublisher: channel adapters and tools publish onto it, the agent
// runtime and WebSocket subscribers consume from it. The inbound and
// outbound queues are bounded to the depth given to NewMessageBus; a publish
// onto a full queue drops the message instead of blocking.
type MessageBus struct {
	mu sync.Mutex

	inbound  chan InboundMessage
	outbound chan OutboundMessage

	subMu    sync.RWMutex
	handlers map[string]EventHandler
}

// NewMessageBus creates a bus with the given inbound/outbound queue depth.
func NewMessageBus(queueDepth int) *MessageBus {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, queueDepth),
		outbound: make(chan OutboundMessage, queueDepth),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message for the agent runtime to consume. It
// drops the message rather than blocking if the queue is full, since a
// backed-up channel should never stall the sender (a tool call, a webhook
// handler).
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
	}
}

// ConsumeInbound blocks until a message arrives or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message for channel adapters to deliver.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
	}
}

// SubscribeOutbound blocks until a message arrives or ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers a handler under id, replacing any handler already
// registered under that id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id, if any.
func (b *MessageBus) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.handlers, id)
}

// Broadcast invokes every registered handler with event. Handlers run
// synchronously on the caller's goroutine; slow handlers should hand off to
// their own goroutine internally.
func (b *MessageBus) Broadcast(event Event) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}

var (
	_ MessageRouter  = (*MessageBus)(nil)
	_ EventPublisher = (*MessageBus)(nil)
)
