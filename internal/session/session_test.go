package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pcastanho/cardchat/internal/bus"
	"github.com/pcastanho/cardchat/internal/focus"
	"github.com/pcastanho/cardchat/internal/store"
	"go.uber.org/zap"
)

type fakeRooms struct {
	mu     sync.Mutex
	joined []string
	left   []string
	err    error
}

func (f *fakeRooms) Join(_ context.Context, conv store.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.joined = append(f.joined, conv.ID)
	return nil
}

func (f *fakeRooms) Leave(_ context.Context, conv store.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, conv.ID)
	return nil
}

func (f *fakeRooms) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joined)
}

func (f *fakeRooms) leftCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.left)
}

type fakeReconciler struct {
	mu    sync.Mutex
	polls []string
}

func (f *fakeReconciler) PollOnce(_ context.Context, conv store.Conversation) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = append(f.polls, conv.ID)
	return nil, nil
}

func (f *fakeReconciler) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.polls)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []store.Message
	s    *store.Store
}

func (f *fakeSender) Send(_ context.Context, conv store.Conversation, body string) store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := store.Message{
		ID:            "me-1-aaaa",
		Conversation:  conv,
		SenderID:      "me",
		Body:          body,
		Kind:          store.MessageText,
		SentAt:        time.UnixMilli(1000),
		DeliveryState: store.StatePendingLocal,
	}
	if f.s != nil {
		f.s.Append(msg)
	}
	f.sent = append(f.sent, msg)
	return msg
}

type fakeFlusher struct {
	mu      sync.Mutex
	flushed []string
}

func (f *fakeFlusher) Flush(_ context.Context, conv store.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, conv.ID)
	return nil
}

func (f *fakeFlusher) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flushed)
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store.NewStore(db, zap.NewNop())
}

type fixture struct {
	deps       Deps
	rooms      *fakeRooms
	reconciler *fakeReconciler
	sender     *fakeSender
	flusher    *fakeFlusher
}

func testDeps(t *testing.T) fixture {
	t.Helper()
	s := testStore(t)
	fx := fixture{
		rooms:      &fakeRooms{},
		reconciler: &fakeReconciler{},
		sender:     &fakeSender{s: s},
		flusher:    &fakeFlusher{},
	}
	fx.deps = Deps{
		Store:        s,
		Rooms:        fx.rooms,
		Reconciler:   fx.reconciler,
		Sender:       fx.sender,
		Acks:         fx.flusher,
		Focus:        focus.NewCell(),
		Bus:          bus.New(),
		Logger:       zap.NewNop(),
		PollInterval: time.Minute,
	}
	return fx
}

var convG = store.Conversation{ID: "g1", Kind: store.KindGroup}

func seed(t *testing.T, s *store.Store, conv store.Conversation, ids ...string) {
	t.Helper()
	msgs := make([]store.Message, 0, len(ids))
	for i, id := range ids {
		msgs = append(msgs, store.Message{
			ID: id, SenderID: "peer", Body: "b", Kind: store.MessageText,
			SentAt: time.UnixMilli(int64(1000 * (i + 1))),
		})
	}
	s.Merge(conv, msgs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMachineLifecycle(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe(bus.KindSessionStateChanged, 8)
	defer unsub()

	m := NewMachine(convG, b, zap.NewNop())
	if m.Current() != StateClosed {
		t.Fatalf("initial state = %q", m.Current())
	}

	for _, to := range []State{StateOpening, StateActive, StateClosing, StateClosed} {
		if err := m.Transition(to); err != nil {
			t.Fatalf("Transition(%s) error = %v", to, err)
		}
	}

	// Every hop was announced.
	for i := 0; i < 4; i++ {
		select {
		case evt := <-events:
			if _, ok := evt.Payload.(StateChange); !ok {
				t.Errorf("payload type %T", evt.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("missing state_changed event")
		}
	}
}

func TestMachineRejectsInvalidTransitions(t *testing.T) {
	m := NewMachine(convG, nil, zap.NewNop())

	if err := m.Transition(StateActive); err == nil {
		t.Error("closed -> active should fail")
	}
	if err := m.Transition(StateClosed); err == nil {
		t.Error("closed -> closed should fail")
	}
	if m.Current() != StateClosed {
		t.Errorf("state moved to %q on rejected transition", m.Current())
	}
}

func TestOpenReturnsCachedLogImmediately(t *testing.T) {
	fx := testDeps(t)
	seed(t, fx.deps.Store, convG, "m1", "m2")

	s := NewSession(convG, fx.deps)
	log, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = s.Close(context.Background()) }()

	if len(log) != 2 || log[0].ID != "m1" {
		t.Errorf("cached log = %+v", log)
	}
	if s.State() != StateActive {
		t.Errorf("state = %q, want active", s.State())
	}
	if !fx.deps.Focus.IsActive("g1") {
		t.Error("conversation did not take focus")
	}

	// Background work: room join plus an immediate catch-up poll.
	waitFor(t, "room join", func() bool { return fx.rooms.joinCount() == 1 })
	waitFor(t, "catch-up poll", func() bool { return fx.reconciler.pollCount() >= 1 })
}

func TestOpenTwiceFails(t *testing.T) {
	fx := testDeps(t)
	s := NewSession(convG, fx.deps)
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close(context.Background()) }()

	if _, err := s.Open(context.Background()); err == nil {
		t.Error("second Open() should fail")
	}
}

func TestOpenSurvivesJoinFailure(t *testing.T) {
	fx := testDeps(t)
	fx.rooms.err = context.DeadlineExceeded

	s := NewSession(convG, fx.deps)
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v, want offline open to succeed", err)
	}
	defer func() { _ = s.Close(context.Background()) }()

	waitFor(t, "catch-up poll despite join failure", func() bool {
		return fx.reconciler.pollCount() >= 1
	})
}

func TestCloseCleansUp(t *testing.T) {
	fx := testDeps(t)
	s := NewSession(convG, fx.deps)
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if s.State() != StateClosed {
		t.Errorf("state = %q, want closed", s.State())
	}
	if fx.rooms.leftCount() != 1 {
		t.Error("room not left")
	}
	if fx.flusher.flushCount() != 1 {
		t.Error("final ack flush not attempted")
	}
	if _, ok := fx.deps.Focus.Active(); ok {
		t.Error("focus not released")
	}
}

func TestCloseKeepsNewerFocus(t *testing.T) {
	fx := testDeps(t)
	s := NewSession(convG, fx.deps)
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Another conversation took focus before this session closed.
	other := store.Conversation{ID: "peer9", Kind: store.KindDirect}
	fx.deps.Focus.Set(other)

	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !fx.deps.Focus.IsActive("peer9") {
		t.Error("closing a stale session cleared the newer focus")
	}
}

func TestSendGoesThroughPipeline(t *testing.T) {
	fx := testDeps(t)
	s := NewSession(convG, fx.deps)
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close(context.Background()) }()

	msg := s.Send(context.Background(), "hello group")
	if msg.Body != "hello group" || msg.Conversation.ID != "g1" {
		t.Errorf("sent = %+v", msg)
	}
	if len(s.Log()) != 1 {
		t.Error("sent message not in log")
	}
}
