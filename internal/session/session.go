// Package session ties the engine together for one open conversation:
// it takes focus, joins the live room, loads the cached log, polls for
// anything missed, and keeps polling while the conversation is on screen.
// Closing reverses all of that and flushes outstanding acks.
package session

import (
	"context"
	"time"

	"github.com/pcastanho/cardchat/internal/bus"
	"github.com/pcastanho/cardchat/internal/focus"
	"github.com/pcastanho/cardchat/internal/store"
	"go.uber.org/zap"
)

// Rooms manages live-channel room membership; implemented by the
// transport adapter.
type Rooms interface {
	Join(ctx context.Context, conv store.Conversation) error
	Leave(ctx context.Context, conv store.Conversation) error
}

// Reconciler fetches and merges pending messages for one conversation;
// implemented by the sync poller.
type Reconciler interface {
	PollOnce(ctx context.Context, conv store.Conversation) ([]store.Message, error)
}

// Sender authors outgoing messages; implemented by the outbox pipeline.
type Sender interface {
	Send(ctx context.Context, conv store.Conversation, body string) store.Message
}

// AckFlusher drains pending delivery acks for one conversation;
// implemented by the delivery tracker.
type AckFlusher interface {
	Flush(ctx context.Context, conv store.Conversation) error
}

// Deps are the engine pieces a session drives.
type Deps struct {
	Store      *store.Store
	Rooms      Rooms
	Reconciler Reconciler
	Sender     Sender
	Acks       AckFlusher
	Focus      *focus.Cell
	Bus        *bus.Bus
	Logger     *zap.Logger

	// PollInterval is the per-session reconciliation cadence while the
	// conversation is open.
	PollInterval time.Duration
}

// Session is one open conversation.
type Session struct {
	conv    store.Conversation
	deps    Deps
	machine *Machine
	cancel  context.CancelFunc
}

// NewSession creates a closed session for the given conversation.
func NewSession(conv store.Conversation, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Session{
		conv:    conv,
		deps:    deps,
		machine: NewMachine(conv, deps.Bus, deps.Logger),
	}
}

// Conversation returns the conversation this session is bound to.
func (s *Session) Conversation() store.Conversation {
	return s.conv
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	return s.machine.Current()
}

// Open activates the session and returns the cached log immediately. The
// room join and the catch-up poll run in the background; the log is
// usable offline and fills in as reconciliation lands. Opening an
// already-open session is an error.
func (s *Session) Open(ctx context.Context) ([]store.Message, error) {
	if err := s.machine.Transition(StateOpening); err != nil {
		return nil, err
	}

	s.deps.Focus.Set(s.conv)
	log := s.deps.Store.Load(s.conv.ID)

	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)

	if err := s.machine.Transition(StateActive); err != nil {
		return nil, err
	}
	s.deps.Logger.Info("session opened",
		zap.String("conversation", s.conv.ID),
		zap.Int("cached", len(log)))
	return log, nil
}

// run joins the room, reconciles immediately, then keeps reconciling on
// the session cadence until Close.
func (s *Session) run(ctx context.Context) {
	if err := s.deps.Rooms.Join(ctx, s.conv); err != nil {
		// Offline open; the adapter rejoins on reconnect.
		s.deps.Logger.Debug("room join deferred",
			zap.String("conversation", s.conv.ID), zap.Error(err))
	}
	s.poll(ctx)

	ticker := time.NewTicker(s.deps.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) poll(ctx context.Context) {
	if _, err := s.deps.Reconciler.PollOnce(ctx, s.conv); err != nil && ctx.Err() == nil {
		s.deps.Logger.Debug("session poll failed",
			zap.String("conversation", s.conv.ID), zap.Error(err))
	}
}

// Send authors a message in this conversation.
func (s *Session) Send(ctx context.Context, body string) store.Message {
	return s.deps.Sender.Send(ctx, s.conv, body)
}

// Log returns the full ordered conversation log.
func (s *Session) Log() []store.Message {
	return s.deps.Store.Load(s.conv.ID)
}

// Close deactivates the session: stops polling, leaves the room, flushes
// any outstanding acks, and releases focus. Focus is only cleared if this
// conversation still holds it, so closing a stale session never blanks a
// newer one's focus.
func (s *Session) Close(ctx context.Context) error {
	if err := s.machine.Transition(StateClosing); err != nil {
		return err
	}
	if s.cancel != nil {
		s.cancel()
	}

	if err := s.deps.Rooms.Leave(ctx, s.conv); err != nil {
		s.deps.Logger.Debug("room leave skipped",
			zap.String("conversation", s.conv.ID), zap.Error(err))
	}
	if err := s.deps.Acks.Flush(ctx, s.conv); err != nil {
		s.deps.Logger.Debug("final ack flush deferred to flush loop",
			zap.String("conversation", s.conv.ID), zap.Error(err))
	}
	s.deps.Focus.Clear(s.conv)

	if err := s.machine.Transition(StateClosed); err != nil {
		return err
	}
	s.deps.Logger.Info("session closed", zap.String("conversation", s.conv.ID))
	return nil
}
