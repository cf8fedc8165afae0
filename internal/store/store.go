package store

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Store is the durable, per-conversation ordered message log and the single
// writer of message state. Both ingestion paths (transport and poller) and
// the send pipeline funnel through Merge/Append; everything else only reads.
//
// Write failures never propagate to callers: the affected messages are kept
// in an in-memory overlay for the life of the process so the conversation
// stays readable, and the failure is logged.
type Store struct {
	db     *DB
	logger *zap.Logger

	mu        sync.Mutex
	convLocks map[string]*sync.Mutex

	ovMu    sync.RWMutex
	overlay map[string]map[string]Message
}

// NewStore creates a message store on top of an opened, migrated DB.
func NewStore(db *DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:        db,
		logger:    logger,
		convLocks: make(map[string]*sync.Mutex),
		overlay:   make(map[string]map[string]Message),
	}
}

// convLock returns the mutex serializing merges for one conversation.
// Merges for different conversations proceed concurrently.
func (s *Store) convLock(convID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.convLocks[convID]
	if !ok {
		lk = &sync.Mutex{}
		s.convLocks[convID] = lk
	}
	return lk
}

// Merge inserts the candidate messages that are not already in the
// conversation's log and returns only those genuinely new messages, so
// callers can decide whether to acknowledge or notify. Duplicate ids,
// whether within the batch or against the existing log, are absorbed
// silently: the same message arriving via transport and poller is expected.
func (s *Store) Merge(conv Conversation, candidates []Message) []Message {
	if len(candidates) == 0 {
		return nil
	}

	lk := s.convLock(conv.ID)
	lk.Lock()
	defer lk.Unlock()

	seen := make(map[string]bool)
	s.ovMu.RLock()
	for id := range s.overlay[conv.ID] {
		seen[id] = true
	}
	s.ovMu.RUnlock()

	var fresh []Message
	for _, m := range candidates {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		m.Conversation = conv
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return nil
	}

	added, err := s.db.insertAbsent(conv, fresh)
	if err != nil {
		s.logger.Warn("message log write failed, keeping batch in memory",
			zap.Error(err),
			zap.String("conversation", conv.ID),
			zap.Int("count", len(fresh)))
		return s.spill(conv, fresh)
	}
	return added
}

// Append records a single, locally authored message. Equivalent to a
// one-element Merge; the message is expected to carry a fresh id.
func (s *Store) Append(msg Message) {
	s.Merge(msg.Conversation, []Message{msg})
}

// Load returns the full persisted log for a conversation in display order.
// Storage failures degrade to whatever is held in memory; the caller never
// sees an error and never crashes on a corrupt cache.
func (s *Store) Load(convID string) []Message {
	rows, err := s.db.queryMessages(convID)
	if err != nil {
		s.logger.Warn("message log read failed",
			zap.Error(err), zap.String("conversation", convID))
		rows = nil
	}

	s.ovMu.RLock()
	ov := s.overlay[convID]
	if len(ov) > 0 {
		inRows := make(map[string]bool, len(rows))
		for _, m := range rows {
			inRows[m.ID] = true
		}
		for id, m := range ov {
			if !inRows[id] {
				rows = append(rows, m)
			}
		}
	}
	s.ovMu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Before(rows[j]) })
	return rows
}

// SetDeliveryState advances a message's delivery state. Best effort: a
// storage failure is logged and mirrored into the overlay if the message
// lives there.
func (s *Store) SetDeliveryState(convID, msgID string, state DeliveryState) {
	if err := s.db.updateDeliveryState(convID, msgID, state); err != nil {
		s.logger.Warn("delivery state update failed",
			zap.Error(err), zap.String("msg_id", msgID))
	}

	s.ovMu.Lock()
	if m, ok := s.overlay[convID][msgID]; ok {
		m.DeliveryState = state
		s.overlay[convID][msgID] = m
	}
	s.ovMu.Unlock()
}

// MarkAcknowledged marks a batch of received messages as confirmed to the
// origin.
func (s *Store) MarkAcknowledged(convID string, msgIDs []string) {
	for _, id := range msgIDs {
		s.SetDeliveryState(convID, id, StateAcknowledged)
	}
}

// PendingLocal returns every message still awaiting delivery to the origin,
// across all conversations, oldest first. The send pipeline retries these
// on reconnect.
func (s *Store) PendingLocal() []Message {
	msgs, err := s.db.queryPendingLocal()
	if err != nil {
		s.logger.Warn("pending local read failed", zap.Error(err))
	}

	s.ovMu.RLock()
	for _, ov := range s.overlay {
		for _, m := range ov {
			if m.DeliveryState == StatePendingLocal {
				msgs = append(msgs, m)
			}
		}
	}
	s.ovMu.RUnlock()

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
	return msgs
}

// spill stores messages that failed to persist into the in-memory overlay.
func (s *Store) spill(conv Conversation, msgs []Message) []Message {
	s.ovMu.Lock()
	defer s.ovMu.Unlock()
	ov := s.overlay[conv.ID]
	if ov == nil {
		ov = make(map[string]Message)
		s.overlay[conv.ID] = ov
	}
	var added []Message
	for _, m := range msgs {
		if _, ok := ov[m.ID]; ok {
			continue
		}
		ov[m.ID] = m
		added = append(added, m)
	}
	return added
}
