package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pcastanho/cardchat/internal/bus"
	"github.com/pcastanho/cardchat/internal/focus"
	"github.com/pcastanho/cardchat/internal/store"
	"go.uber.org/zap"
)

type shown struct {
	title, body string
	tap         func()
}

type fakePresenter struct {
	mu    sync.Mutex
	shown []shown
}

func (f *fakePresenter) Present(title, body string, tap func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, shown{title: title, body: body, tap: tap})
}

func (f *fakePresenter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shown)
}

func (f *fakePresenter) last() shown {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shown[len(f.shown)-1]
}

func merged(conv store.Conversation, msgs ...store.Message) store.MergeResult {
	return store.MergeResult{Conversation: conv, New: msgs}
}

func peerMsg(id, sender, body string) store.Message {
	return store.Message{
		ID:         id,
		SenderID:   sender,
		SenderName: "Alex",
		Body:       body,
		Kind:       store.MessageText,
		SentAt:     time.UnixMilli(1000),
	}
}

func startNotifier(t *testing.T, f *focus.Cell, p Presenter, onTap TapHandler) *bus.Bus {
	t.Helper()
	b := bus.New()
	n := NewNotifier(b, f, p, "me", onTap, zap.NewNop())
	n.Start(context.Background())
	t.Cleanup(n.Stop)
	return b
}

func waitShown(t *testing.T, p *fakePresenter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("shown = %d, want %d", p.count(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSingleMessageNotification(t *testing.T) {
	p := &fakePresenter{}
	b := startNotifier(t, focus.NewCell(), p, nil)

	conv := store.Conversation{ID: "peer4", Kind: store.KindDirect}
	b.Publish(bus.NewEvent(bus.KindMessageMerged, merged(conv, peerMsg("m1", "peer4", "hi there"))))

	waitShown(t, p, 1)
	got := p.last()
	if got.title != "Alex" || got.body != "hi there" {
		t.Errorf("notification = %q / %q", got.title, got.body)
	}
}

func TestBatchCoalesces(t *testing.T) {
	p := &fakePresenter{}
	b := startNotifier(t, focus.NewCell(), p, nil)

	conv := store.Conversation{ID: "g1", Kind: store.KindGroup}
	b.Publish(bus.NewEvent(bus.KindMessageMerged, merged(conv,
		peerMsg("m1", "p1", "a"),
		peerMsg("m2", "p2", "b"),
		peerMsg("m3", "p3", "c"),
	)))

	waitShown(t, p, 1)
	got := p.last()
	if got.body != "3 new messages" {
		t.Errorf("body = %q, want coalesced count", got.body)
	}
	if got.title != "g1" {
		t.Errorf("title = %q, want group id", got.title)
	}
}

func TestActiveConversationSuppressed(t *testing.T) {
	p := &fakePresenter{}
	f := focus.NewCell()
	conv := store.Conversation{ID: "peer4", Kind: store.KindDirect}
	f.Set(conv)
	b := startNotifier(t, f, p, nil)

	b.Publish(bus.NewEvent(bus.KindMessageMerged, merged(conv, peerMsg("m1", "peer4", "hi"))))

	time.Sleep(100 * time.Millisecond)
	if p.count() != 0 {
		t.Errorf("shown = %d, want suppression while conversation is active", p.count())
	}

	// A different conversation still alerts.
	other := store.Conversation{ID: "peer9", Kind: store.KindDirect}
	b.Publish(bus.NewEvent(bus.KindMessageMerged, merged(other, peerMsg("m2", "peer9", "yo"))))
	waitShown(t, p, 1)
}

func TestOwnMessagesSuppressed(t *testing.T) {
	p := &fakePresenter{}
	b := startNotifier(t, focus.NewCell(), p, nil)

	conv := store.Conversation{ID: "peer4", Kind: store.KindDirect}
	b.Publish(bus.NewEvent(bus.KindMessageMerged, merged(conv, peerMsg("m1", "me", "my own echo"))))

	time.Sleep(100 * time.Millisecond)
	if p.count() != 0 {
		t.Errorf("shown = %d, want no alert for own messages", p.count())
	}
}

func TestTapOpensConversation(t *testing.T) {
	p := &fakePresenter{}
	var tapped store.Conversation
	var tapMu sync.Mutex
	b := startNotifier(t, focus.NewCell(), p, func(conv store.Conversation) {
		tapMu.Lock()
		defer tapMu.Unlock()
		tapped = conv
	})

	conv := store.Conversation{ID: "g1", Kind: store.KindGroup}
	b.Publish(bus.NewEvent(bus.KindMessageMerged, merged(conv, peerMsg("m1", "p1", "hi"))))

	waitShown(t, p, 1)
	p.last().tap()

	tapMu.Lock()
	defer tapMu.Unlock()
	if tapped.ID != "g1" || tapped.Kind != store.KindGroup {
		t.Errorf("tapped = %+v", tapped)
	}
}
