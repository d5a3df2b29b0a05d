package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
)

// fakeHistory serves canned transcripts. When gate is set, every fetch
// announces itself on started and blocks until gate is closed.
type fakeHistory struct {
	mu      sync.Mutex
	data    map[string][]domain.Message
	calls   map[string]int
	err     error
	gate    chan struct{}
	started chan string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		data:  make(map[string][]domain.Message),
		calls: make(map[string]int),
	}
}

func (f *fakeHistory) set(scope domain.Scope, msgs ...domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[scope.Key()] = msgs
}

func (f *fakeHistory) count(scope domain.Scope) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[scope.Key()]
}

func (f *fakeHistory) FetchHistory(ctx context.Context, scope domain.Scope) ([]domain.Message, error) {
	f.mu.Lock()
	f.calls[scope.Key()]++
	msgs := append([]domain.Message(nil), f.data[scope.Key()]...)
	err, gate, started := f.err, f.gate, f.started
	f.mu.Unlock()

	if gate != nil {
		started <- scope.Key()
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, err
}

func event(t *testing.T, typ domain.EventType, payload any) domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func apply(t *testing.T, r *Reconciler, evs ...domain.Event) {
	t.Helper()
	for _, ev := range evs {
		if err := r.Apply(ev); err != nil {
			t.Fatalf("apply %s: %v", ev.Type, err)
		}
	}
}

func privateMsg(id uint64, from, to, text string, at time.Duration) domain.Message {
	return domain.Message{
		ID:        id,
		Sender:    from,
		Recipient: to,
		Scope:     domain.Private(from, to),
		Text:      text,
		CreatedAt: t0.Add(at),
	}
}

func TestReconciler_ActivateAndLiveReplay(t *testing.T) {
	h := newFakeHistory()
	h.set(domain.Public(), msg(1, "bob", "a", 0), msg(2, "carol", "b", time.Second))
	r := NewReconciler("alice", h)

	if err := r.Activate(context.Background(), domain.Public()); err != nil {
		t.Fatal(err)
	}

	live := event(t, domain.EventPublicMessage, msg(3, "bob", "c", 2*time.Second))
	apply(t, r, live, live, live)
	// Echo of something already in the snapshot
	apply(t, r, event(t, domain.EventPublicMessage, msg(2, "carol", "b", time.Second)))

	if got := ids(r.Messages(domain.Public())); !equalIDs(got, []uint64{1, 2, 3}) {
		t.Fatalf("public = %v", got)
	}
	if n := r.Unread(domain.Public()); n != 0 {
		t.Fatalf("public is always active, unread = %d", n)
	}
}

func TestReconciler_BuffersEventsDuringFetch(t *testing.T) {
	h := newFakeHistory()
	h.set(domain.Public(), msg(1, "bob", "a", 0), msg(2, "bob", "b", time.Second))
	h.gate = make(chan struct{})
	h.started = make(chan string, 1)
	r := NewReconciler("alice", h)

	done := make(chan error, 1)
	go func() { done <- r.Activate(context.Background(), domain.Public()) }()
	<-h.started

	// Arrives while the snapshot is in flight: one overlap, one new, one delete
	apply(t, r,
		event(t, domain.EventPublicMessage, msg(2, "bob", "b", time.Second)),
		event(t, domain.EventPublicMessage, msg(3, "carol", "c", 2*time.Second)),
		event(t, domain.EventMessageDeleted, domain.MessageDeletedPayload{ID: 1, Scope: domain.Public()}),
		event(t, domain.EventReactionAdded, domain.ReactionsPayload{ID: 3, Scope: domain.Public(), Reactions: []string{"🎉"}}),
	)
	if got := r.Messages(domain.Public()); got != nil {
		t.Fatalf("events applied before snapshot: %v", ids(got))
	}

	close(h.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	got := r.Messages(domain.Public())
	if !equalIDs(ids(got), []uint64{2, 3}) {
		t.Fatalf("public = %v", ids(got))
	}
	if len(got[1].Message.Reactions) != 1 {
		t.Fatalf("buffered reaction lost: %+v", got[1].Message)
	}
}

func TestReconciler_UnfetchedPrivateScopeCountsUnread(t *testing.T) {
	h := newFakeHistory()
	scope := domain.Private("alice", "bob")
	r := NewReconciler("alice", h)

	apply(t, r,
		event(t, domain.EventPrivateMessage, privateMsg(1, "bob", "alice", "hey", 0)),
		event(t, domain.EventPrivateMessage, privateMsg(2, "bob", "alice", "there", time.Second)),
		event(t, domain.EventPrivateMessage, privateMsg(3, "alice", "bob", "mine", 2*time.Second)),
	)

	if got := r.Messages(scope); got != nil {
		t.Fatalf("unfetched scope has transcript: %v", ids(got))
	}
	if n := r.Unread(scope); n != 2 {
		t.Fatalf("unread = %d, want 2", n)
	}

	h.set(scope,
		privateMsg(1, "bob", "alice", "hey", 0),
		privateMsg(2, "bob", "alice", "there", time.Second),
		privateMsg(3, "alice", "bob", "mine", 2*time.Second),
	)
	if err := r.Activate(context.Background(), scope); err != nil {
		t.Fatal(err)
	}
	if got := ids(r.Messages(scope)); !equalIDs(got, []uint64{1, 2, 3}) {
		t.Fatalf("after activate = %v", got)
	}
	if n := r.Unread(scope); n != 0 {
		t.Fatalf("unread after activate = %d", n)
	}
	if r.Active() != scope {
		t.Fatalf("active = %v", r.Active())
	}
}

func TestReconciler_InactiveFetchedScopeCountsUnread(t *testing.T) {
	h := newFakeHistory()
	withBob := domain.Private("alice", "bob")
	withCarol := domain.Private("alice", "carol")
	r := NewReconciler("alice", h)
	ctx := context.Background()

	if err := r.Activate(ctx, withBob); err != nil {
		t.Fatal(err)
	}
	if err := r.Activate(ctx, withCarol); err != nil {
		t.Fatal(err)
	}

	apply(t, r,
		event(t, domain.EventPrivateMessage, privateMsg(1, "bob", "alice", "ping", 0)),
		event(t, domain.EventPrivateMessage, privateMsg(2, "carol", "alice", "pong", 0)),
	)

	if n := r.Unread(withBob); n != 1 {
		t.Fatalf("bob unread = %d, want 1", n)
	}
	if n := r.Unread(withCarol); n != 0 {
		t.Fatalf("active scope unread = %d, want 0", n)
	}
	if len(r.Messages(withBob)) != 1 {
		t.Fatal("fetched scope should still receive live messages")
	}
}

func TestReconciler_TypingProjection(t *testing.T) {
	r := NewReconciler("alice", newFakeHistory())
	typing := func(who string, on bool) domain.Event {
		return event(t, domain.EventTypingChanged, domain.TypingChangedPayload{
			Scope: domain.Public(), Identity: who, IsTyping: on,
		})
	}

	apply(t, r, typing("bob", true), typing("carol", true), typing("alice", true))
	if got := r.Typers(domain.Public()); len(got) != 2 || got[0] != "bob" || got[1] != "carol" {
		t.Fatalf("typers = %v", got)
	}

	apply(t, r, typing("bob", false), typing("bob", false))
	if got := r.Typers(domain.Public()); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("typers = %v", got)
	}

	apply(t, r, typing("carol", false))
	if got := r.Typers(domain.Public()); len(got) != 0 {
		t.Fatalf("typers = %v", got)
	}
}

func TestReconciler_Presence(t *testing.T) {
	r := NewReconciler("alice", newFakeHistory())
	apply(t, r, event(t, domain.EventPresenceChanged, domain.PresencePayload{Identities: []string{"carol", "alice"}}))

	got := r.Online()
	if len(got) != 2 || got[0] != "alice" || got[1] != "carol" {
		t.Fatalf("online = %v", got)
	}
}

func TestReconciler_UsersChanged(t *testing.T) {
	r := NewReconciler("alice", newFakeHistory())
	if got := r.Users(); len(got) != 0 {
		t.Fatalf("users = %+v", got)
	}
	apply(t, r, event(t, domain.EventUsersChanged, domain.UsersChangedPayload{
		Users: []domain.User{*domain.NewUser("alice", ""), *domain.NewUser("bob", "Bob")},
	}))

	got := r.Users()
	if len(got) != 2 || got[1].DisplayName != "Bob" {
		t.Fatalf("users = %+v", got)
	}
}

func TestReconciler_PlaceholderAckAndError(t *testing.T) {
	h := newFakeHistory()
	r := NewReconciler("alice", h)
	if err := r.Activate(context.Background(), domain.Public()); err != nil {
		t.Fatal(err)
	}

	ok := r.Compose(domain.Public(), "hello")
	bad := r.Compose(domain.Public(), "")
	if got := r.Messages(domain.Public()); len(got) != 2 || !got[0].Pending {
		t.Fatalf("placeholders = %+v", got)
	}

	apply(t, r,
		event(t, domain.EventAck, domain.AckPayload{Ref: ok, Message: msg(10, "alice", "hello", 0)}),
		event(t, domain.EventError, domain.ErrorPayload{Code: "invalid_request", Message: "empty", Ref: bad}),
		// The broadcast copy of the acked message is a no-op
		event(t, domain.EventPublicMessage, msg(10, "alice", "hello", 0)),
	)

	got := r.Messages(domain.Public())
	if len(got) != 1 || got[0].Pending || got[0].Message.ID != 10 {
		t.Fatalf("transcript = %+v", got)
	}
}

func TestReconciler_Discard(t *testing.T) {
	r := NewReconciler("alice", newFakeHistory())
	ref := r.Compose(domain.Public(), "lost")
	r.Discard(ref)
	r.Discard(ref)
	if got := r.Messages(domain.Public()); len(got) != 0 {
		t.Fatalf("transcript = %+v", got)
	}
}

func TestReconciler_ResyncKeepsPlaceholderForRepeatedText(t *testing.T) {
	h := newFakeHistory()
	h.set(domain.Public(), msg(1, "alice", "ok", 0))
	r := NewReconciler("alice", h)
	ctx := context.Background()

	if err := r.Activate(ctx, domain.Public()); err != nil {
		t.Fatal(err)
	}
	r.Compose(domain.Public(), "ok")
	if err := r.Resync(ctx); err != nil {
		t.Fatal(err)
	}

	got := r.Messages(domain.Public())
	if len(got) != 2 {
		t.Fatalf("transcript = %+v", got)
	}
	pending := 0
	for _, e := range got {
		if e.Pending {
			pending++
		}
	}
	if pending != 1 {
		t.Fatalf("expected 1 pending entry, got %d", pending)
	}
}

func TestReconciler_ComposeOnUnfetchedScope(t *testing.T) {
	r := NewReconciler("alice", newFakeHistory())
	scope := domain.Private("alice", "bob")

	ref := r.Compose(scope, "hi bob")
	if ref == "" {
		t.Fatal("Expected a ref")
	}
	if got := r.Messages(scope); got != nil {
		t.Fatalf("Expected no transcript, got %+v", got)
	}

	apply(t, r,
		event(t, domain.EventAck, domain.AckPayload{Ref: ref, Message: privateMsg(7, "alice", "bob", "hi bob", 0)}),
		event(t, domain.EventPrivateMessage, privateMsg(8, "bob", "alice", "hey", time.Second)),
	)
	if got := r.Messages(scope); got != nil {
		t.Fatalf("live events must not build a partial transcript, got %+v", got)
	}
	if n := r.Unread(scope); n != 1 {
		t.Errorf("unread = %d, want 1", n)
	}
	r.Discard(r.Compose(scope, "again"))
}

func TestReconciler_Resync(t *testing.T) {
	h := newFakeHistory()
	scope := domain.Private("alice", "bob")
	r := NewReconciler("alice", h)
	ctx := context.Background()

	if err := r.Activate(ctx, domain.Public()); err != nil {
		t.Fatal(err)
	}
	if err := r.Activate(ctx, scope); err != nil {
		t.Fatal(err)
	}
	apply(t, r, event(t, domain.EventTypingChanged, domain.TypingChangedPayload{Scope: scope, Identity: "bob", IsTyping: true}))

	// Messages persisted while disconnected
	h.set(domain.Public(), msg(1, "carol", "missed", 0))
	h.set(scope, privateMsg(2, "bob", "alice", "missed too", 0))

	if err := r.Resync(ctx); err != nil {
		t.Fatal(err)
	}
	if h.count(domain.Public()) != 2 || h.count(scope) != 2 {
		t.Fatalf("fetch counts public=%d private=%d", h.count(domain.Public()), h.count(scope))
	}
	if len(r.Messages(domain.Public())) != 1 || len(r.Messages(scope)) != 1 {
		t.Fatal("resync did not pick up missed messages")
	}
	if got := r.Typers(scope); len(got) != 0 {
		t.Fatalf("stale typers after resync: %v", got)
	}
}

func TestReconciler_ActivateErrors(t *testing.T) {
	h := newFakeHistory()
	r := NewReconciler("alice", h)

	if err := r.Activate(context.Background(), domain.Private("bob", "carol")); !errors.Is(err, domain.ErrInvalidScope) {
		t.Fatalf("foreign scope err = %v", err)
	}

	h.set(domain.Public(), msg(1, "bob", "a", 0))
	if err := r.Activate(context.Background(), domain.Public()); err != nil {
		t.Fatal(err)
	}

	h.err = errors.New("boom")
	if err := r.Activate(context.Background(), domain.Public()); err == nil {
		t.Fatal("fetch error swallowed")
	}
	if got := r.Messages(domain.Public()); len(got) != 1 {
		t.Fatalf("failed fetch clobbered transcript: %v", ids(got))
	}

	// Live events still land after a failed fetch
	apply(t, r, event(t, domain.EventPublicMessage, msg(2, "bob", "b", time.Second)))
	if got := r.Messages(domain.Public()); len(got) != 2 {
		t.Fatalf("transcript = %v", ids(got))
	}
}

func TestReconciler_MalformedEvent(t *testing.T) {
	r := NewReconciler("alice", newFakeHistory())
	err := r.Apply(domain.Event{Type: domain.EventPublicMessage, Payload: json.RawMessage(`{"id":"nope"}`)})
	if !errors.Is(err, domain.ErrMalformedEvent) {
		t.Fatalf("err = %v", err)
	}
	if err := r.Apply(domain.Event{Type: "something_new"}); err != nil {
		t.Fatalf("unknown event err = %v", err)
	}
}
