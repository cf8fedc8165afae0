package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix,
// e.g. "transport." receives every transport event.
const (
	KindTransportMessage      = "transport.message"
	KindTransportConnected    = "transport.connected"
	KindTransportDisconnected = "transport.disconnected"

	KindMessageMerged     = "message.merged"
	KindMessageSendFailed = "message.send_failed"

	KindDeliveryAcked = "delivery.acked"

	KindSessionStateChanged = "session.state_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
