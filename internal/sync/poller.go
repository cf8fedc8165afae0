package sync

import (
	"context"
	"time"

	"github.com/pcastanho/cardchat/internal/bus"
	"github.com/pcastanho/cardchat/internal/store"
	"go.uber.org/zap"
)

// Origin is the slice of the origin API the poller needs.
type Origin interface {
	PollPending(ctx context.Context, conv store.Conversation) ([]store.Message, error)
}

// Ingestor merges polled batches; implemented by Engine.
type Ingestor interface {
	IngestBatch(ctx context.Context, conv store.Conversation, candidates []store.Message) []store.Message
}

// Poller reconciles against the origin on a timer. The live transport can
// drop frames or be down entirely; the poller guarantees every pending
// message is eventually fetched, merged, and acknowledged. Missing a cycle
// is harmless, the next one covers the same ground.
type Poller struct {
	origin   Origin
	ingestor Ingestor
	store    *store.Store
	bus      *bus.Bus
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
}

// NewPoller creates a reconciliation poller with the given cycle interval.
func NewPoller(origin Origin, ingestor Ingestor, s *store.Store, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		origin:   origin,
		ingestor: ingestor,
		store:    s,
		bus:      b,
		interval: interval,
		logger:   logger,
	}
}

// PollOnce fetches and ingests the pending messages for one conversation.
func (p *Poller) PollOnce(ctx context.Context, conv store.Conversation) ([]store.Message, error) {
	msgs, err := p.origin.PollPending(ctx, conv)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return p.ingestor.IngestBatch(ctx, conv, msgs), nil
}

// PollAll runs one reconciliation cycle over every known conversation.
// Per-conversation failures are logged and skipped; the next cycle retries.
func (p *Poller) PollAll(ctx context.Context) {
	convs, err := p.store.KnownConversations()
	if err != nil {
		p.logger.Warn("listing conversations for poll failed", zap.Error(err))
		return
	}
	for _, conv := range convs {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.PollOnce(ctx, conv); err != nil {
			p.logger.Debug("poll failed",
				zap.String("conversation", conv.ID), zap.Error(err))
		}
	}
}

// Start runs the poll loop. An immediate cycle covers messages that
// arrived while the process was down, then the ticker takes over. A
// transport reconnect also triggers a cycle, since frames sent during the
// outage were lost.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	events, unsubscribe := p.bus.Subscribe(bus.KindTransportConnected, 4)

	go func() {
		defer unsubscribe()
		p.PollAll(ctx)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.PollAll(ctx)
			case <-events:
				p.PollAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the poll loop.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}
