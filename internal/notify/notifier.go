// Package notify turns merged messages into user-facing notifications.
// Presentation is delegated to a Presenter supplied by the host app; this
// package only decides when to alert and with what text. Messages for the
// conversation the user is currently viewing, and echoes of the user's
// own messages, never alert.
package notify

import (
	"context"
	"fmt"

	"github.com/pcastanho/cardchat/internal/bus"
	"github.com/pcastanho/cardchat/internal/focus"
	"github.com/pcastanho/cardchat/internal/store"
	"go.uber.org/zap"
)

// Presenter displays a notification. tap runs when the user activates it.
type Presenter interface {
	Present(title, body string, tap func())
}

// TapHandler opens a conversation in response to a notification tap.
type TapHandler func(conv store.Conversation)

// Notifier listens for merged messages and raises notifications.
type Notifier struct {
	bus       *bus.Bus
	focus     *focus.Cell
	presenter Presenter
	selfID    string
	onTap     TapHandler
	logger    *zap.Logger

	cancel context.CancelFunc
}

// NewNotifier creates a notifier. onTap may be nil when the host app has
// no navigation to offer.
func NewNotifier(b *bus.Bus, f *focus.Cell, presenter Presenter, selfID string, onTap TapHandler, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		bus:       b,
		focus:     f,
		presenter: presenter,
		selfID:    selfID,
		onTap:     onTap,
		logger:    logger,
	}
}

// Start subscribes to merged-message events.
func (n *Notifier) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	events, unsubscribe := n.bus.Subscribe(bus.KindMessageMerged, 64)

	go func() {
		defer unsubscribe()
		for {
			select {
			case evt := <-events:
				result, ok := evt.Payload.(store.MergeResult)
				if !ok {
					continue
				}
				n.handle(result)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts event handling.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
}

func (n *Notifier) handle(result store.MergeResult) {
	var fromOthers []store.Message
	for _, m := range result.New {
		if m.SenderID != n.selfID {
			fromOthers = append(fromOthers, m)
		}
	}
	if len(fromOthers) == 0 {
		return
	}
	if n.focus.IsActive(result.Conversation.ID) {
		// Already on screen; the session re-renders, no alert needed.
		return
	}

	title, body := n.compose(result.Conversation, fromOthers)
	conv := result.Conversation
	n.presenter.Present(title, body, func() {
		if n.onTap != nil {
			n.onTap(conv)
		}
	})
	n.logger.Debug("notification raised",
		zap.String("conversation", conv.ID),
		zap.Int("messages", len(fromOthers)))
}

// compose picks the notification text: a single message shows its sender
// and body, a batch coalesces into a count.
func (n *Notifier) compose(conv store.Conversation, msgs []store.Message) (title, body string) {
	if len(msgs) == 1 {
		m := msgs[0]
		title = m.SenderName
		if title == "" {
			title = m.SenderID
		}
		return title, m.Body
	}
	title = conv.ID
	if conv.Kind == store.KindDirect {
		if name := msgs[0].SenderName; name != "" {
			title = name
		}
	}
	return title, fmt.Sprintf("%d new messages", len(msgs))
}
