package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pcastanho/cardchat/internal/bus"
	"github.com/pcastanho/cardchat/internal/store"
)

type viewRecorder struct {
	mu   sync.Mutex
	logs [][]store.Message
}

func (v *viewRecorder) handler(_ store.Conversation, log []store.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.logs = append(v.logs, log)
}

func (v *viewRecorder) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.logs)
}

func (v *viewRecorder) last() []store.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.logs[len(v.logs)-1]
}

func TestEnterClosesPreviousSession(t *testing.T) {
	fx := testDeps(t)
	m := NewManager(fx.deps, nil)

	first, _, err := m.Enter(context.Background(), convG)
	if err != nil {
		t.Fatal(err)
	}
	other := store.Conversation{ID: "peer9", Kind: store.KindDirect}
	second, _, err := m.Enter(context.Background(), other)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.Leave(context.Background()) }()

	if first.State() != StateClosed {
		t.Errorf("first session state = %q, want closed", first.State())
	}
	if second.State() != StateActive {
		t.Errorf("second session state = %q, want active", second.State())
	}
	if !fx.deps.Focus.IsActive("peer9") {
		t.Error("focus not on the new conversation")
	}
}

func TestEnterReturnsCachedLog(t *testing.T) {
	fx := testDeps(t)
	seed(t, fx.deps.Store, convG, "m1", "m2", "m3")
	m := NewManager(fx.deps, nil)

	_, log, err := m.Enter(context.Background(), convG)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.Leave(context.Background()) }()

	if len(log) != 3 {
		t.Errorf("log = %d messages, want 3", len(log))
	}
}

func TestMergedEventRefreshesView(t *testing.T) {
	fx := testDeps(t)
	view := &viewRecorder{}
	m := NewManager(fx.deps, view.handler)
	m.Start(context.Background())
	defer m.Stop()

	if _, _, err := m.Enter(context.Background(), convG); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.Leave(context.Background()) }()

	seed(t, fx.deps.Store, convG, "m1")
	fx.deps.Bus.Publish(bus.NewEvent(bus.KindMessageMerged, store.MergeResult{
		Conversation: convG,
		New:          fx.deps.Store.Load("g1"),
	}))

	waitFor(t, "view refresh", func() bool { return view.count() >= 1 })
	if got := view.last(); len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("view log = %+v", got)
	}
}

func TestMergedEventForOtherConversationIgnored(t *testing.T) {
	fx := testDeps(t)
	view := &viewRecorder{}
	m := NewManager(fx.deps, view.handler)
	m.Start(context.Background())
	defer m.Stop()

	if _, _, err := m.Enter(context.Background(), convG); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.Leave(context.Background()) }()

	other := store.Conversation{ID: "elsewhere", Kind: store.KindDirect}
	fx.deps.Bus.Publish(bus.NewEvent(bus.KindMessageMerged, store.MergeResult{
		Conversation: other,
		New:          []store.Message{{ID: "x"}},
	}))

	// Follow with a refresh for the open conversation; once it lands we
	// know the earlier event was consumed without a view push.
	seed(t, fx.deps.Store, convG, "m1")
	fx.deps.Bus.Publish(bus.NewEvent(bus.KindMessageMerged, store.MergeResult{Conversation: convG}))

	waitFor(t, "view refresh", func() bool { return view.count() >= 1 })
	for _, msg := range view.last() {
		if msg.ID == "x" {
			t.Error("view refreshed with another conversation's messages")
		}
	}
	if view.count() != 1 {
		t.Errorf("view refreshes = %d, want only the open conversation's", view.count())
	}
}

func TestManagerSend(t *testing.T) {
	fx := testDeps(t)
	view := &viewRecorder{}
	m := NewManager(fx.deps, view.handler)
	m.Start(context.Background())
	defer m.Stop()

	if _, ok := m.Send(context.Background(), "no session"); ok {
		t.Error("Send() without open session should report false")
	}

	if _, _, err := m.Enter(context.Background(), convG); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.Leave(context.Background()) }()

	msg, ok := m.Send(context.Background(), "hi all")
	if !ok {
		t.Fatal("Send() reported no open session")
	}
	if msg.Body != "hi all" {
		t.Errorf("msg = %+v", msg)
	}

	// Optimistic render: the view saw the pending message immediately.
	waitFor(t, "optimistic view refresh", func() bool { return view.count() >= 1 })
	last := view.last()
	if len(last) != 1 || last[0].DeliveryState != store.StatePendingLocal {
		t.Errorf("view log = %+v", last)
	}
}

func TestObserveStreamsLog(t *testing.T) {
	fx := testDeps(t)
	seed(t, fx.deps.Store, convG, "m1")
	m := NewManager(fx.deps, nil)

	stream, cancel := m.Observe(convG)
	defer cancel()

	// Immediate snapshot of the current log.
	select {
	case log := <-stream:
		if len(log) != 1 || log[0].ID != "m1" {
			t.Errorf("initial snapshot = %+v", log)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	// A merge for this conversation pushes a fresh snapshot.
	seed(t, fx.deps.Store, convG, "m2")
	fx.deps.Bus.Publish(bus.NewEvent(bus.KindMessageMerged, store.MergeResult{Conversation: convG}))

	select {
	case log := <-stream:
		if len(log) != 2 {
			t.Errorf("refreshed snapshot = %d messages, want 2", len(log))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no refreshed snapshot")
	}

	// Merges elsewhere do not push.
	other := store.Conversation{ID: "elsewhere", Kind: store.KindDirect}
	fx.deps.Bus.Publish(bus.NewEvent(bus.KindMessageMerged, store.MergeResult{Conversation: other}))
	select {
	case log := <-stream:
		t.Errorf("unexpected snapshot %v for another conversation's merge", log)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestObserveSlowConsumerSeesLatest(t *testing.T) {
	fx := testDeps(t)
	m := NewManager(fx.deps, nil)

	stream, cancel := m.Observe(convG)
	defer cancel()

	// More merges than the stream buffers, with nothing reading. Old
	// snapshots may be evicted; the final log must still come through.
	const total = 12
	for i := 0; i < total; i++ {
		seed(t, fx.deps.Store, convG, fmt.Sprintf("m%02d", i))
		fx.deps.Bus.Publish(bus.NewEvent(bus.KindMessageMerged, store.MergeResult{Conversation: convG}))
	}

	deadline := time.After(2 * time.Second)
	var last []store.Message
	for {
		select {
		case log := <-stream:
			last = log
			if len(last) == total {
				return
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("stream went quiet at %d messages, want the %d-message log", len(last), total)
		case <-deadline:
			t.Fatalf("latest snapshot never arrived, last had %d messages", len(last))
		}
	}
}
