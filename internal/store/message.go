package store

import "time"

// insertAbsent appends candidates that are not yet in the log, in one
// transaction so a concurrent merge for another conversation cannot observe
// a partial batch. Returns the messages actually inserted.
func (db *DB) insertAbsent(conv Conversation, msgs []Message) ([]Message, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	var added []Message
	for _, m := range msgs {
		res, err := tx.Exec(`
			INSERT INTO messages (conversation_id, conversation_kind, msg_id, sender_id, sender_name, body, kind, delivery_state, sent_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO NOTHING`,
			conv.ID, conv.Kind, m.ID, m.SenderID, m.SenderName, m.Body, m.Kind, m.DeliveryState, m.SentAt.UnixMilli(), now)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			added = append(added, m)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return added, nil
}

// queryMessages returns the persisted log in display order.
func (db *DB) queryMessages(convID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT conversation_id, conversation_kind, msg_id, sender_id, sender_name, body, kind, delivery_state, sent_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at ASC, msg_id ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

func (db *DB) updateDeliveryState(convID, msgID string, state DeliveryState) error {
	_, err := db.Exec(`
		UPDATE messages SET delivery_state = ?
		WHERE conversation_id = ? AND msg_id = ?`, state, convID, msgID)
	return err
}

// queryPendingLocal returns undelivered locally authored messages across all
// conversations.
func (db *DB) queryPendingLocal() ([]Message, error) {
	rows, err := db.Query(`
		SELECT conversation_id, conversation_kind, msg_id, sender_id, sender_name, body, kind, delivery_state, sent_at
		FROM messages
		WHERE delivery_state = ?
		ORDER BY sent_at ASC, msg_id ASC`, StatePendingLocal)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMessages(rows rowScanner) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var sentAt int64
		if err := rows.Scan(&m.Conversation.ID, &m.Conversation.Kind, &m.ID, &m.SenderID, &m.SenderName, &m.Body, &m.Kind, &m.DeliveryState, &sentAt); err != nil {
			return nil, err
		}
		m.SentAt = time.UnixMilli(sentAt).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
