package transport

import (
	"encoding/json"
	"time"

	"github.com/pcastanho/cardchat/internal/store"
)

// Wire protocol: every frame in both directions is a typed JSON envelope.
const (
	cmdJoin  = "room.join"
	cmdLeave = "room.leave"
	cmdSend  = "message.send"

	evtMessageNew = "message.new"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type roomPayload struct {
	ConversationID   string `json:"conversationId"`
	ConversationKind string `json:"conversationKind"`
}

type messagePayload struct {
	ID               string `json:"id"`
	ConversationID   string `json:"conversationId"`
	ConversationKind string `json:"conversationKind"`
	SenderID         string `json:"senderId"`
	SenderName       string `json:"senderName"`
	Body             string `json:"body"`
	Kind             string `json:"kind"`
	SentAt           string `json:"sentAt"`
}

func encodeMessage(msg store.Message) messagePayload {
	return messagePayload{
		ID:               msg.ID,
		ConversationID:   msg.Conversation.ID,
		ConversationKind: string(msg.Conversation.Kind),
		SenderID:         msg.SenderID,
		SenderName:       msg.SenderName,
		Body:             msg.Body,
		Kind:             string(msg.Kind),
		SentAt:           msg.SentAt.UTC().Format(time.RFC3339Nano),
	}
}

func (p messagePayload) toMessage() store.Message {
	sentAt, err := time.Parse(time.RFC3339Nano, p.SentAt)
	if err != nil {
		// Malformed sender timestamp: order by arrival instead of
		// pinning the message to the epoch end of the log.
		sentAt = time.Now().UTC()
	}
	return store.Message{
		ID: p.ID,
		Conversation: store.Conversation{
			ID:   p.ConversationID,
			Kind: store.ConversationKind(p.ConversationKind),
		},
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		Body:       p.Body,
		Kind:       store.MessageKind(p.Kind),
		SentAt:     sentAt,
	}
}
