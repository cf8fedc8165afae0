package store

import "time"

// ConversationKind distinguishes direct (1:1) chats from group chats.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Conversation identifies a chat thread: a peer id for direct chats,
// a group id for group chats.
type Conversation struct {
	ID   string
	Kind ConversationKind
}

// MessageKind is the message content type.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageSystem MessageKind = "system"
)

// DeliveryState tracks how far a message has progressed toward the origin.
// Locally authored messages move pending_local -> sent_transport or
// sent_fallback; received messages become acknowledged once their delivery
// has been confirmed back to the origin.
type DeliveryState string

const (
	StatePendingLocal  DeliveryState = "pending_local"
	StateSentTransport DeliveryState = "sent_transport"
	StateSentFallback  DeliveryState = "sent_fallback"
	StateAcknowledged  DeliveryState = "acknowledged"
)

// Message is one entry in a conversation's ordered log. Unique per
// conversation by ID; ordered by (SentAt, ID).
type Message struct {
	ID            string
	Conversation  Conversation
	SenderID      string
	SenderName    string
	Body          string
	Kind          MessageKind
	SentAt        time.Time
	DeliveryState DeliveryState
}

// Before reports whether m sorts before other in the log order:
// sender-assigned timestamp first, message id as the deterministic
// tie-break. Arrival order and arrival path never influence this.
func (m Message) Before(other Message) bool {
	a, b := m.SentAt.UnixMilli(), other.SentAt.UnixMilli()
	if a != b {
		return a < b
	}
	return m.ID < other.ID
}

// ConversationMeta is the per-conversation durable metadata.
type ConversationMeta struct {
	Conversation    Conversation
	LastDeliveredID string
}

// MergeResult is the payload of message.merged bus events.
type MergeResult struct {
	Conversation Conversation
	New          []Message
}
