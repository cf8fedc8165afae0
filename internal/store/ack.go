package store

import (
	"fmt"
	"strings"
	"time"
)

// AddPendingAcks records received message ids that still need to be
// acknowledged to the origin. Idempotent; the set survives restarts so an
// ack interrupted by a crash is retried.
func (s *Store) AddPendingAcks(conv Conversation, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, id := range msgIDs {
		if _, err := tx.Exec(`
			INSERT INTO pending_acks (conversation_id, conversation_kind, msg_id, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO NOTHING`,
			conv.ID, conv.Kind, id, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PendingAcks returns the unacknowledged message ids for a conversation in
// log order, so the last element is the high-water candidate.
func (s *Store) PendingAcks(convID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT p.msg_id
		FROM pending_acks p
		LEFT JOIN messages m
			ON m.conversation_id = p.conversation_id AND m.msg_id = p.msg_id
		WHERE p.conversation_id = ?
		ORDER BY m.sent_at ASC, p.msg_id ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearPendingAcks removes ids that the origin has confirmed.
func (s *Store) ClearPendingAcks(convID string, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(msgIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(msgIDs)+1)
	args = append(args, convID)
	for _, id := range msgIDs {
		args = append(args, id)
	}
	_, err := s.db.Exec(
		fmt.Sprintf(`DELETE FROM pending_acks WHERE conversation_id = ? AND msg_id IN (%s)`, placeholders),
		args...)
	return err
}

// PendingAckConversations returns the conversations that currently have
// unflushed acknowledgments.
func (s *Store) PendingAckConversations() ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT conversation_id, conversation_kind FROM pending_acks`)
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
