// Package outbox implements optimistic local sends. A message is appended
// to the local log and returned to the caller immediately; actual delivery
// happens in the background, preferring the live transport and falling
// back to the origin API. A message that fails both paths stays in
// pending_local and is retried when the transport reconnects.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pcastanho/cardchat/internal/bus"
	"github.com/pcastanho/cardchat/internal/store"
	"go.uber.org/zap"
)

// Transport is the live-channel slice the pipeline needs.
type Transport interface {
	Send(ctx context.Context, msg store.Message) error
}

// Fallback submits a message through the origin's request/response path.
type Fallback interface {
	SendMessage(ctx context.Context, msg store.Message) error
}

// Identity is the local author stamped onto outgoing messages.
type Identity struct {
	UserID      string
	DisplayName string
}

// Pipeline appends, delivers, and retries outgoing messages.
type Pipeline struct {
	store     *store.Store
	transport Transport
	fallback  Fallback
	bus       *bus.Bus
	self      Identity
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewPipeline creates the send pipeline.
func NewPipeline(s *store.Store, t Transport, f Fallback, b *bus.Bus, self Identity, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:     s,
		transport: t,
		fallback:  f,
		bus:       b,
		self:      self,
		logger:    logger,
	}
}

// Send authors a message and returns it right away in pending_local state,
// so the caller can render it without waiting on the network. The id is
// generated client-side, which keeps every later resubmission idempotent
// no matter which path carries it.
func (p *Pipeline) Send(ctx context.Context, conv store.Conversation, body string) store.Message {
	now := time.Now()
	msg := store.Message{
		ID:            newMessageID(p.self.UserID, now),
		Conversation:  conv,
		SenderID:      p.self.UserID,
		SenderName:    p.self.DisplayName,
		Body:          body,
		Kind:          store.MessageText,
		SentAt:        now,
		DeliveryState: store.StatePendingLocal,
	}
	p.store.Append(msg)

	// Delivery outlives the caller: cancelling the UI action that
	// authored the message must not abort the fallback attempt or
	// swallow the send_failed signal.
	go p.deliver(context.WithoutCancel(ctx), msg)
	return msg
}

// newMessageID builds a client message id unique across devices: author,
// wall-clock millis, and a random suffix against same-millisecond sends.
func newMessageID(userID string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%s", userID, now.UnixMilli(), uuid.NewString()[:8])
}

// deliver pushes one message out: live transport first, origin API as the
// fallback. Delivery state records which path carried it.
func (p *Pipeline) deliver(ctx context.Context, msg store.Message) {
	err := p.transport.Send(ctx, msg)
	if err == nil {
		p.store.SetDeliveryState(msg.Conversation.ID, msg.ID, store.StateSentTransport)
		return
	}
	if ctx.Err() != nil {
		return
	}
	p.logger.Debug("transport send unavailable, trying origin",
		zap.String("msg", msg.ID), zap.Error(err))

	err = p.fallback.SendMessage(ctx, msg)
	if err == nil {
		p.store.SetDeliveryState(msg.Conversation.ID, msg.ID, store.StateSentFallback)
		return
	}
	p.logger.Warn("send failed on both paths, message stays pending",
		zap.String("msg", msg.ID),
		zap.String("conversation", msg.Conversation.ID),
		zap.Error(err))

	p.bus.Publish(bus.NewEvent(bus.KindMessageSendFailed, msg))
}

// RetryPending re-delivers every message still in pending_local, across
// all conversations. The client id dedupes any message that actually made
// it out before the previous attempt's response was lost.
func (p *Pipeline) RetryPending(ctx context.Context) {
	pending := p.store.PendingLocal()
	if len(pending) == 0 {
		return
	}
	p.logger.Info("retrying pending sends", zap.Int("count", len(pending)))
	for _, msg := range pending {
		if ctx.Err() != nil {
			return
		}
		p.deliver(ctx, msg)
	}
}

// Start retries pending sends now and again on every transport reconnect.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	events, unsubscribe := p.bus.Subscribe(bus.KindTransportConnected, 4)
	go func() {
		defer unsubscribe()
		p.RetryPending(ctx)
		for {
			select {
			case <-events:
				p.RetryPending(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the retry loop.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}
