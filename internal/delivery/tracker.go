// Package delivery batches delivery acknowledgments back to the origin.
// Received message ids accumulate in the store's durable pending set and
// are flushed per conversation in a single request. Flushing is
// at-least-once: a lost response means the same ids go out again, and the
// origin absorbs the repeat.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/pcastanho/cardchat/internal/bus"
	"github.com/pcastanho/cardchat/internal/store"
	"go.uber.org/zap"
)

// AckSender confirms a batch of delivered message ids to the origin.
type AckSender interface {
	AcknowledgeDelivered(ctx context.Context, conv store.Conversation, msgIDs []string) error
}

// AckedBatch is the payload of delivery.acked bus events.
type AckedBatch struct {
	Conversation store.Conversation
	MessageIDs   []string
}

// Tracker accumulates and flushes delivery acknowledgments.
type Tracker struct {
	store  *store.Store
	sender AckSender
	bus    *bus.Bus
	logger *zap.Logger

	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewTracker creates a tracker flushing on the given interval.
func NewTracker(s *store.Store, sender AckSender, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:    s,
		sender:   sender,
		bus:      b,
		logger:   logger,
		interval: interval,
	}
}

// RecordReceived marks message ids as delivered locally. The ids persist
// until a flush succeeds, so a crash between receipt and ack is retried
// on the next run.
func (t *Tracker) RecordReceived(conv store.Conversation, msgIDs []string) error {
	return t.store.AddPendingAcks(conv, msgIDs)
}

// Flush sends every pending ack for one conversation as a single batch.
// On success the batch is cleared, the conversation's delivery high-water
// mark advances to the last id in log order, and the messages move to the
// acknowledged state. On failure everything stays pending.
func (t *Tracker) Flush(ctx context.Context, conv store.Conversation) error {
	ids, err := t.store.PendingAcks(conv.ID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	if err := t.sender.AcknowledgeDelivered(ctx, conv, ids); err != nil {
		t.logger.Warn("ack flush failed",
			zap.String("conversation", conv.ID),
			zap.Int("count", len(ids)),
			zap.Error(err))
		return err
	}

	if err := t.store.ClearPendingAcks(conv.ID, ids); err != nil {
		t.logger.Warn("pending ack cleanup failed", zap.String("conversation", conv.ID), zap.Error(err))
	}
	if err := t.store.SetLastDelivered(conv, ids[len(ids)-1]); err != nil {
		t.logger.Warn("high-water update failed", zap.String("conversation", conv.ID), zap.Error(err))
	}
	t.store.MarkAcknowledged(conv.ID, ids)

	if t.bus != nil {
		t.bus.Publish(bus.NewEvent(bus.KindDeliveryAcked, AckedBatch{
			Conversation: conv,
			MessageIDs:   ids,
		}))
	}

	t.logger.Debug("acks flushed",
		zap.String("conversation", conv.ID),
		zap.Int("count", len(ids)))
	return nil
}

// FlushAll flushes every conversation with pending acknowledgments.
func (t *Tracker) FlushAll(ctx context.Context) {
	convs, err := t.store.PendingAckConversations()
	if err != nil {
		t.logger.Warn("pending ack scan failed", zap.Error(err))
		return
	}
	for _, conv := range convs {
		if err := t.Flush(ctx, conv); err != nil && ctx.Err() != nil {
			return
		}
	}
}

// Start begins the periodic flush loop. The first pass runs immediately to
// drain acks left over from a previous run.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		t.FlushAll(ctx)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.FlushAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the flush loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
