package session

import (
	"fmt"
	"sync"

	"github.com/pcastanho/cardchat/internal/bus"
	"github.com/pcastanho/cardchat/internal/store"
	"go.uber.org/zap"
)

// State is a conversation session's lifecycle phase.
type State string

const (
	StateClosed  State = "closed"
	StateOpening State = "opening"
	StateActive  State = "active"
	StateClosing State = "closing"
)

var validTransitions = map[State][]State{
	StateClosed:  {StateOpening},
	StateOpening: {StateActive, StateClosing},
	StateActive:  {StateClosing},
	StateClosing: {StateClosed},
}

// StateChange is the payload of session.state_changed bus events.
type StateChange struct {
	Conversation store.Conversation
	From, To     State
}

// Machine guards the session lifecycle. Every change goes through
// Transition, which rejects anything not in the allowed graph and
// publishes the change for observers.
type Machine struct {
	conv   store.Conversation
	bus    *bus.Bus
	logger *zap.Logger

	mu    sync.Mutex
	state State
}

// NewMachine creates a lifecycle machine in the closed state.
func NewMachine(conv store.Conversation, b *bus.Bus, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{conv: conv, bus: b, logger: logger, state: StateClosed}
}

// Current returns the present state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the target state, or fails if the move is not
// allowed from the current one.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	allowed := false
	for _, s := range validTransitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("session: invalid transition %s -> %s", from, to)
	}
	m.state = to
	m.mu.Unlock()

	m.logger.Debug("session state changed",
		zap.String("conversation", m.conv.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(bus.KindSessionStateChanged, StateChange{
			Conversation: m.conv,
			From:         from,
			To:           to,
		}))
	}
	return nil
}
