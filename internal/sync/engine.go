// Package sync merges messages arriving over either path (live transport
// or origin poll) into the local store and tells the delivery tracker
// which ones still need acknowledgment. Both paths funnel into the same
// IngestBatch, so duplicates collapse and the conversation log converges
// regardless of arrival order.
package sync

import (
	"context"

	"github.com/pcastanho/cardchat/internal/bus"
	"github.com/pcastanho/cardchat/internal/delivery"
	"github.com/pcastanho/cardchat/internal/store"
	"go.uber.org/zap"
)

// Engine is the single ingestion point for inbound messages.
type Engine struct {
	store   *store.Store
	tracker *delivery.Tracker
	bus     *bus.Bus
	selfID  string
	logger  *zap.Logger

	cancel context.CancelFunc
}

// NewEngine creates the sync engine. selfID is the local user; echoes of
// our own messages coming back over the transport are merged but never
// acknowledged as deliveries.
func NewEngine(s *store.Store, tracker *delivery.Tracker, b *bus.Bus, selfID string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   s,
		tracker: tracker,
		bus:     b,
		selfID:  selfID,
		logger:  logger,
	}
}

// IngestBatch merges a batch of candidate messages into a conversation's
// log and returns the genuinely new ones. New messages from other senders
// are recorded for acknowledgment and a flush is attempted right away; a
// failed flush is retried by the tracker's own loop. Subscribers learn
// about new messages via a message.merged event.
func (e *Engine) IngestBatch(ctx context.Context, conv store.Conversation, candidates []store.Message) []store.Message {
	added := e.store.Merge(conv, candidates)
	if len(added) == 0 {
		return nil
	}

	var received []string
	for _, m := range added {
		if m.SenderID != e.selfID {
			received = append(received, m.ID)
		}
	}
	if len(received) > 0 {
		if err := e.tracker.RecordReceived(conv, received); err != nil {
			e.logger.Warn("recording received messages failed",
				zap.String("conversation", conv.ID), zap.Error(err))
		} else if err := e.tracker.Flush(ctx, conv); err != nil {
			e.logger.Debug("immediate ack flush failed, deferring to flush loop",
				zap.String("conversation", conv.ID), zap.Error(err))
		}
	}

	e.logger.Debug("messages merged",
		zap.String("conversation", conv.ID),
		zap.Int("new", len(added)))
	e.bus.Publish(bus.NewEvent(bus.KindMessageMerged, store.MergeResult{
		Conversation: conv,
		New:          added,
	}))
	return added
}

// Start subscribes to live transport events and ingests each inbound
// message as a single-element batch.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	events, unsubscribe := e.bus.Subscribe("transport.", 64)

	go func() {
		defer unsubscribe()
		for {
			select {
			case evt := <-events:
				if evt.Kind != bus.KindTransportMessage {
					continue
				}
				msg, ok := evt.Payload.(store.Message)
				if !ok {
					continue
				}
				e.IngestBatch(ctx, msg.Conversation, []store.Message{msg})
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the transport event loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}
