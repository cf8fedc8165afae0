package session

import (
	"context"
	"sync"

	"github.com/pcastanho/cardchat/internal/bus"
	"github.com/pcastanho/cardchat/internal/store"
	"go.uber.org/zap"
)

// ViewHandler receives the full ordered log of the open conversation
// whenever it changes. The host app renders it; re-emitting the whole log
// keeps the renderer trivial and the ordering authoritative.
type ViewHandler func(conv store.Conversation, log []store.Message)

// Manager owns the single open session and pushes log updates to the
// view. At most one conversation is open at a time; entering a new one
// closes the previous.
type Manager struct {
	deps   Deps
	onView ViewHandler
	logger *zap.Logger

	mu      sync.Mutex
	current *Session

	cancel context.CancelFunc
}

// NewManager creates a session manager. onView may be nil for headless
// use.
func NewManager(deps Deps, onView ViewHandler) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{deps: deps, onView: onView, logger: deps.Logger}
}

// Start subscribes to merged-message events so the open conversation's
// view refreshes as messages land over either path.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	events, unsubscribe := m.deps.Bus.Subscribe(bus.KindMessageMerged, 64)

	go func() {
		defer unsubscribe()
		for {
			select {
			case evt := <-events:
				result, ok := evt.Payload.(store.MergeResult)
				if !ok {
					continue
				}
				m.refresh(result.Conversation)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts view refreshing. Any open session stays open.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Enter opens a session for conv, closing whichever one was open, and
// returns the session plus its cached log.
func (m *Manager) Enter(ctx context.Context, conv store.Conversation) (*Session, []store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if err := m.current.Close(ctx); err != nil {
			m.logger.Warn("closing previous session failed",
				zap.String("conversation", m.current.conv.ID), zap.Error(err))
		}
		m.current = nil
	}

	s := NewSession(conv, m.deps)
	log, err := s.Open(ctx)
	if err != nil {
		return nil, nil, err
	}
	m.current = s
	return s, log, nil
}

// Leave closes the open session, if any.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.Close(ctx)
	m.current = nil
	return err
}

// Send authors a message in the open conversation. The appended message
// is announced as a merge so every observer (view handler, Observe
// channels) renders the pending message without waiting on delivery.
func (m *Manager) Send(ctx context.Context, body string) (store.Message, bool) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return store.Message{}, false
	}
	msg := s.Send(ctx, body)
	m.deps.Bus.Publish(bus.NewEvent(bus.KindMessageMerged, store.MergeResult{
		Conversation: s.conv,
		New:          []store.Message{msg},
	}))
	return msg, true
}

// Observe streams the full ordered log of one conversation: the current
// log immediately, then again after every merge that touches it. The
// returned cancel releases the stream; a slow consumer misses
// intermediate snapshots, never the final one.
func (m *Manager) Observe(conv store.Conversation) (<-chan []store.Message, func()) {
	events, unsubscribe := m.deps.Bus.Subscribe(bus.KindMessageMerged, 64)
	out := make(chan []store.Message, 8)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }

	go func() {
		defer unsubscribe()
		defer close(out)
		push := func() {
			log := m.deps.Store.Load(conv.ID)
			for {
				select {
				case out <- log:
					return
				default:
				}
				// Full buffer: evict the oldest queued snapshot so the
				// latest log always lands.
				select {
				case <-out:
				default:
				}
			}
		}
		push()
		for {
			select {
			case evt := <-events:
				result, ok := evt.Payload.(store.MergeResult)
				if ok && result.Conversation.ID == conv.ID {
					push()
				}
			case <-done:
				return
			}
		}
	}()
	return out, cancel
}

// refresh pushes the full log to the view handler if conv is the open
// conversation.
func (m *Manager) refresh(conv store.Conversation) {
	if m.onView == nil {
		return
	}
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil || s.conv.ID != conv.ID {
		return
	}
	m.onView(s.conv, s.Log())
}
