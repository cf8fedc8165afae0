package store

import (
	"database/sql"
	"time"
)

// Meta returns the durable metadata for a conversation, or a zero-valued
// record if none has been written yet.
func (s *Store) Meta(convID string) (ConversationMeta, error) {
	var m ConversationMeta
	err := s.db.QueryRow(`
		SELECT conversation_id, conversation_kind, last_delivered_msg_id
		FROM conversation_meta WHERE conversation_id = ?`, convID).
		Scan(&m.Conversation.ID, &m.Conversation.Kind, &m.LastDeliveredID)
	if err == sql.ErrNoRows {
		return ConversationMeta{Conversation: Conversation{ID: convID}}, nil
	}
	if err != nil {
		return ConversationMeta{}, err
	}
	return m, nil
}

// SetLastDelivered advances the high-water mark of messages acknowledged to
// the origin for a conversation.
func (s *Store) SetLastDelivered(conv Conversation, msgID string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO conversation_meta (conversation_id, conversation_kind, last_delivered_msg_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			conversation_kind = excluded.conversation_kind,
			last_delivered_msg_id = excluded.last_delivered_msg_id,
			updated_at = excluded.updated_at`,
		conv.ID, conv.Kind, msgID, now)
	return err
}

// KnownConversations returns every conversation the cache has seen, used to
// drive catch-up polling after reconnect or cold start.
func (s *Store) KnownConversations() ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT conversation_id, conversation_kind FROM conversation_meta
		UNION
		SELECT DISTINCT conversation_id, conversation_kind FROM messages`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Kind); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
