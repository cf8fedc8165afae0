// Package focus tracks which conversation the user is currently looking
// at. At most one conversation is active at a time; the notifier consults
// this to suppress alerts for the on-screen conversation.
package focus

import (
	"sync"

	"github.com/pcastanho/cardchat/internal/store"
)

// Cell holds the single process-wide active conversation.
type Cell struct {
	mu     sync.Mutex
	active *store.Conversation
}

// NewCell creates an empty focus cell. Nothing is active until Set is
// called; focus is never restored across restarts.
func NewCell() *Cell {
	return &Cell{}
}

// Set marks conv as the active conversation, replacing any previous one.
func (c *Cell) Set(conv store.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := conv
	c.active = &copied
}

// Clear deactivates conv only if it is still the active conversation.
// A session closing after another one already took focus must not clobber
// the newer session's focus.
func (c *Cell) Clear(conv store.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.ID == conv.ID {
		c.active = nil
	}
}

// Active returns the current active conversation, if any.
func (c *Cell) Active() (store.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return store.Conversation{}, false
	}
	return *c.active, true
}

// IsActive reports whether the given conversation currently has focus.
func (c *Cell) IsActive(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && c.active.ID == convID
}
