// Package transport wraps the always-on bidirectional channel used for
// real-time delivery. The adapter does not interpret inbound messages; it
// normalizes them and publishes transport.message events for the sync
// engine to merge. Disconnection is an expected, recoverable condition: the
// adapter reconnects with backoff, rejoins its rooms, and the rest of the
// system catches up via the reconciliation poller.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pcastanho/cardchat/internal/bus"
	"github.com/pcastanho/cardchat/internal/store"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrDisconnected is returned by Send and Join while the channel is down so
// callers can fall back to the origin API instead of treating it as fatal.
var ErrDisconnected = errors.New("transport: channel disconnected")

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second

	// A connection must survive this long before the backoff resets; a
	// backend that accepts and immediately drops must not be redialed at
	// full speed.
	connStableAfter = 30 * time.Second
)

// Adapter maintains the websocket connection and room membership.
type Adapter struct {
	url    string
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	joined    map[store.Conversation]bool
	attempt   int

	cancel context.CancelFunc
}

// NewAdapter creates a transport adapter for the given websocket URL.
func NewAdapter(url string, b *bus.Bus, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		url:    url,
		bus:    b,
		logger: logger,
		joined: make(map[store.Conversation]bool),
	}
}

// Start begins the connect/read/reconnect loop.
func (a *Adapter) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	go a.run(ctx)
}

// Stop closes the connection and stops reconnecting.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.connected = false
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
}

// Connected reports current channel connectivity.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Join requests membership in a conversation's room. Membership intent is
// remembered even while disconnected so reconnection rejoins every room;
// the remote side treats a duplicate join as a no-op.
func (a *Adapter) Join(ctx context.Context, conv store.Conversation) error {
	a.mu.Lock()
	a.joined[conv] = true
	a.mu.Unlock()
	return a.write(ctx, command{Type: cmdJoin, Payload: roomPayload{
		ConversationID:   conv.ID,
		ConversationKind: string(conv.Kind),
	}})
}

// Leave abandons a conversation's room.
func (a *Adapter) Leave(ctx context.Context, conv store.Conversation) error {
	a.mu.Lock()
	delete(a.joined, conv)
	a.mu.Unlock()
	return a.write(ctx, command{Type: cmdLeave, Payload: roomPayload{
		ConversationID:   conv.ID,
		ConversationKind: string(conv.Kind),
	}})
}

// Send transmits a message over the live channel. Returns ErrDisconnected
// while the channel is down.
func (a *Adapter) Send(ctx context.Context, msg store.Message) error {
	return a.write(ctx, command{Type: cmdSend, Payload: encodeMessage(msg)})
}

func (a *Adapter) write(ctx context.Context, cmd command) error {
	a.mu.Lock()
	conn := a.conn
	ok := a.connected
	a.mu.Unlock()
	if !ok || conn == nil {
		return ErrDisconnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	return nil
}

func (a *Adapter) run(ctx context.Context) {
	for {
		err := a.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		// Backed-off redial on both paths: a failed dial and a
		// connection that dropped.
		delay := a.nextDelay()
		if err != nil {
			a.logger.Warn("transport connect failed, retrying",
				zap.Error(err), zap.Duration("delay", delay))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// connectOnce dials, rejoins rooms, and reads until the connection drops.
func (a *Adapter) connectOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, a.url, nil)
	if err != nil {
		return err
	}

	connectedAt := time.Now()
	a.mu.Lock()
	a.conn = conn
	a.connected = true
	rooms := make([]store.Conversation, 0, len(a.joined))
	for conv := range a.joined {
		rooms = append(rooms, conv)
	}
	a.mu.Unlock()

	a.logger.Info("transport connected", zap.Int("rooms", len(rooms)))
	a.bus.Publish(bus.NewEvent(bus.KindTransportConnected, nil))

	for _, conv := range rooms {
		if err := a.write(ctx, command{Type: cmdJoin, Payload: roomPayload{
			ConversationID:   conv.ID,
			ConversationKind: string(conv.Kind),
		}}); err != nil {
			a.logger.Warn("room rejoin failed", zap.String("conversation", conv.ID), zap.Error(err))
		}
	}

	err = a.readLoop(ctx, conn)

	a.mu.Lock()
	a.conn = nil
	a.connected = false
	if time.Since(connectedAt) >= connStableAfter {
		a.attempt = 0
	}
	a.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")

	if ctx.Err() == nil {
		a.logger.Warn("transport disconnected", zap.Error(err))
		a.bus.Publish(bus.NewEvent(bus.KindTransportDisconnected, nil))
	}
	return nil
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type != evtMessageNew {
			continue
		}

		var p messagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			a.logger.Warn("malformed inbound message", zap.Error(err))
			continue
		}
		a.bus.Publish(bus.NewEvent(bus.KindTransportMessage, p.toMessage()))
	}
}

// nextDelay computes the reconnect backoff with jitter.
func (a *Adapter) nextDelay() time.Duration {
	a.mu.Lock()
	attempt := a.attempt
	a.attempt++
	a.mu.Unlock()

	jitter := time.Duration(rand.Float64() * float64(reconnectBaseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(reconnectBaseDelay)*math.Pow(2, float64(attempt))+float64(jitter),
		float64(reconnectMaxDelay),
	))
	return delay
}
