package ws

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
	"github.com/mmuslimabdulj/goat-relay/internal/metrics"
)

func routerSetup(t *testing.T) (*Router, *memStore, *Presence, *Typing, map[string]*mockConn) {
	t.Helper()
	store := newMemStore("alice", "bob", "carol")
	router, presence, typing := newTestRouter(store)

	conns := map[string]*mockConn{
		"alice-phone":  newMockConn("alice-phone"),
		"alice-laptop": newMockConn("alice-laptop"),
		"bob":          newMockConn("bob"),
		"carol":        newMockConn("carol"),
	}
	presence.Join("alice", conns["alice-phone"])
	presence.Join("alice", conns["alice-laptop"])
	presence.Join("bob", conns["bob"])
	presence.Join("carol", conns["carol"])
	for _, c := range conns {
		c.reset()
	}
	return router, store, presence, typing, conns
}

func TestRouter_PublishPublicReachesEveryone(t *testing.T) {
	router, store, _, _, conns := routerSetup(t)

	m, err := router.PublishPublic(context.Background(), "bob", "hello all")
	if err != nil {
		t.Fatalf("PublishPublic: %v", err)
	}
	if m.ID == 0 || m.CreatedAt.IsZero() {
		t.Errorf("store should assign id and timestamp, got %+v", m)
	}

	for name, c := range conns {
		evs := c.ofType(t, domain.EventPublicMessage)
		if len(evs) != 1 {
			t.Fatalf("%s expected 1 public_message, got %d", name, len(evs))
		}
		got := payload[domain.Message](t, evs[0])
		if got.ID != m.ID || got.Text != "hello all" || got.Sender != "bob" {
			t.Errorf("%s got %+v", name, got)
		}
	}
	if n := len(store.history(domain.Public())); n != 1 {
		t.Errorf("expected 1 persisted message, got %d", n)
	}
}

func TestRouter_PublishPrivateDirectedDelivery(t *testing.T) {
	router, store, _, _, conns := routerSetup(t)

	m, err := router.PublishPrivate(context.Background(), "alice", "bob", "hi")
	if err != nil {
		t.Fatalf("PublishPrivate: %v", err)
	}
	if m.Scope != domain.Private("alice", "bob") || m.Recipient != "bob" {
		t.Errorf("unexpected message %+v", m)
	}

	for _, name := range []string{"alice-phone", "alice-laptop", "bob"} {
		if n := len(conns[name].ofType(t, domain.EventPrivateMessage)); n != 1 {
			t.Errorf("%s expected exactly 1 private_message, got %d", name, n)
		}
	}
	if n := len(conns["carol"].events(t)); n != 0 {
		t.Errorf("carol must not see the private message, got %d events", n)
	}

	hist := store.history(domain.Private("bob", "alice"))
	if len(hist) != 1 || hist[0].Text != "hi" {
		t.Errorf("history = %+v", hist)
	}
}

func TestRouter_PublishPrivateToOfflineRecipientPersists(t *testing.T) {
	store := newMemStore("alice", "dave")
	router, presence, _ := newTestRouter(store)
	alice := newMockConn("alice")
	presence.Join("alice", alice)

	if _, err := router.PublishPrivate(context.Background(), "alice", "dave", "are you there"); err != nil {
		t.Fatalf("PublishPrivate: %v", err)
	}
	if n := len(store.history(domain.Private("alice", "dave"))); n != 1 {
		t.Errorf("expected message to be stored, got %d", n)
	}
	if n := len(alice.ofType(t, domain.EventPrivateMessage)); n != 1 {
		t.Errorf("sender echo expected, got %d", n)
	}
}

func TestRouter_UnknownUserNothingStoredOrDelivered(t *testing.T) {
	router, store, _, _, conns := routerSetup(t)

	tests := []struct {
		name      string
		sender    string
		recipient string
	}{
		{"unknown recipient", "alice", "mallory"},
		{"unknown sender", "mallory", "alice"},
		{"malformed recipient", "alice", "a|b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := router.PublishPrivate(context.Background(), tc.sender, tc.recipient, "hi")
			if !errors.Is(err, domain.ErrUnknownUser) {
				t.Fatalf("expected ErrUnknownUser, got %v", err)
			}
		})
	}

	if store.creates != 0 {
		t.Errorf("nothing should reach the store, got %d creates", store.creates)
	}
	for name, c := range conns {
		if n := len(c.events(t)); n != 0 {
			t.Errorf("%s received %d events", name, n)
		}
	}
}

func TestRouter_RejectsBadInput(t *testing.T) {
	router, _, _, _, _ := routerSetup(t)
	ctx := context.Background()

	if _, err := router.PublishPublic(ctx, "alice", "   "); !errors.Is(err, domain.ErrEmptyText) {
		t.Errorf("blank text: got %v", err)
	}
	long := strings.Repeat("x", domain.MaxTextLength+1)
	if _, err := router.PublishPublic(ctx, "alice", long); !errors.Is(err, domain.ErrTextTooLong) {
		t.Errorf("long text: got %v", err)
	}
	if _, err := router.PublishPrivate(ctx, "alice", "alice", "me"); !errors.Is(err, domain.ErrInvalidScope) {
		t.Errorf("self message: got %v", err)
	}
}

func TestRouter_PublishClearsTyping(t *testing.T) {
	router, _, _, typing, conns := routerSetup(t)

	typing.Start(domain.Public(), "alice")
	if _, err := router.PublishPublic(context.Background(), "alice", "done typing"); err != nil {
		t.Fatalf("PublishPublic: %v", err)
	}
	if got := typing.Typers(domain.Public()); len(got) != 0 {
		t.Errorf("typing should be cleared, got %v", got)
	}

	evs := conns["bob"].events(t)
	if len(evs) != 3 {
		t.Fatalf("bob expected start, stop and message, got %d", len(evs))
	}
	if evs[1].Type != domain.EventTypingChanged || evs[2].Type != domain.EventPublicMessage {
		t.Errorf("unexpected order %s, %s", evs[1].Type, evs[2].Type)
	}
}

func TestRouter_EditMessage(t *testing.T) {
	router, store, _, _, conns := routerSetup(t)
	ctx := context.Background()

	m, _ := router.PublishPublic(ctx, "alice", "helo")
	for _, c := range conns {
		c.reset()
	}

	if _, err := router.EditMessage(ctx, "bob", m.ID, "hijacked"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("non-sender edit: expected ErrForbidden, got %v", err)
	}

	edited, err := router.EditMessage(ctx, "alice", m.ID, "hello")
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if !edited.Edited || edited.Text != "hello" {
		t.Errorf("edited = %+v", edited)
	}

	stored, _ := store.GetMessage(ctx, m.ID)
	if stored.Text != "hello" || !stored.Edited {
		t.Errorf("stored = %+v", stored)
	}

	for name, c := range conns {
		evs := c.ofType(t, domain.EventMessageEdited)
		if len(evs) != 1 {
			t.Fatalf("%s expected 1 message_edited, got %d", name, len(evs))
		}
		got := payload[domain.Message](t, evs[0])
		if got.ID != m.ID || got.Text != "hello" || !got.Edited {
			t.Errorf("%s got %+v", name, got)
		}
	}

	if _, err := router.EditMessage(ctx, "alice", 999, "x"); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Errorf("missing id: got %v", err)
	}
}

func TestRouter_DeleteMessage(t *testing.T) {
	router, store, _, _, conns := routerSetup(t)
	ctx := context.Background()

	m, _ := router.PublishPrivate(ctx, "alice", "bob", "oops")
	for _, c := range conns {
		c.reset()
	}

	if err := router.DeleteMessage(ctx, "bob", m.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("non-sender delete: expected ErrForbidden, got %v", err)
	}
	if err := router.DeleteMessage(ctx, "alice", m.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}

	if n := len(store.history(m.Scope)); n != 0 {
		t.Errorf("deleted message still in history")
	}

	evs := conns["bob"].ofType(t, domain.EventMessageDeleted)
	if len(evs) != 1 {
		t.Fatalf("bob expected 1 message_deleted, got %d", len(evs))
	}
	if got := payload[domain.MessageDeletedPayload](t, evs[0]); got.ID != m.ID || got.Scope != m.Scope {
		t.Errorf("payload = %+v", got)
	}
	if n := len(conns["carol"].events(t)); n != 0 {
		t.Errorf("carol must not learn about a private deletion, got %d", n)
	}

	if err := router.DeleteMessage(ctx, "alice", m.ID); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Errorf("second delete: got %v", err)
	}
}

func TestRouter_AddReaction(t *testing.T) {
	router, _, _, _, conns := routerSetup(t)
	ctx := context.Background()

	pub, _ := router.PublishPublic(ctx, "alice", "vote")
	priv, _ := router.PublishPrivate(ctx, "alice", "bob", "secret")
	for _, c := range conns {
		c.reset()
	}

	m, err := router.AddReaction(ctx, "carol", pub.ID, "👍")
	if err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	m, err = router.AddReaction(ctx, "bob", pub.ID, "🎉")
	if err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	if len(m.Reactions) != 2 {
		t.Errorf("reactions = %v", m.Reactions)
	}

	evs := conns["alice-phone"].ofType(t, domain.EventReactionAdded)
	if len(evs) != 2 {
		t.Fatalf("expected 2 reaction_added, got %d", len(evs))
	}
	last := payload[domain.ReactionsPayload](t, evs[1])
	if last.ID != pub.ID || len(last.Reactions) != 2 {
		t.Errorf("payload = %+v", last)
	}

	if _, err := router.AddReaction(ctx, "carol", priv.ID, "👀"); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("outsider reaction on private: got %v", err)
	}
	if _, err := router.AddReaction(ctx, "bob", priv.ID, "  "); !errors.Is(err, domain.ErrInvalidReaction) {
		t.Errorf("blank reaction: got %v", err)
	}
}

func TestRouter_RetriesTransientStoreErrors(t *testing.T) {
	router, store, _, _, conns := routerSetup(t)
	store.failCreate = 2

	before := testutil.ToFloat64(metrics.StoreRetries.WithLabelValues("create_message"))
	m, err := router.PublishPublic(context.Background(), "alice", "eventually")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if store.creates != 3 {
		t.Errorf("expected 3 attempts, got %d", store.creates)
	}
	if after := testutil.ToFloat64(metrics.StoreRetries.WithLabelValues("create_message")); after != before+2 {
		t.Errorf("retry counter = %v, want %v", after, before+2)
	}
	if n := len(conns["bob"].ofType(t, domain.EventPublicMessage)); n != 1 || m.ID == 0 {
		t.Errorf("bob expected 1 delivery, got %d", n)
	}
}

func TestRouter_RetryAfterLateCommitStoresOnce(t *testing.T) {
	router, store, _, _, conns := routerSetup(t)
	store.lateCommit = 1

	m, err := router.PublishPublic(context.Background(), "alice", "committed late")
	if err != nil {
		t.Fatalf("PublishPublic: %v", err)
	}
	if store.creates != 2 {
		t.Errorf("expected 2 attempts, got %d", store.creates)
	}
	hist := store.history(domain.Public())
	if len(hist) != 1 || hist[0].ID != m.ID {
		t.Fatalf("expected the single stored row %d, got %+v", m.ID, hist)
	}
	if n := len(conns["bob"].ofType(t, domain.EventPublicMessage)); n != 1 {
		t.Errorf("bob expected 1 delivery, got %d", n)
	}
}

func TestRouter_StoreUnavailableAfterRetries(t *testing.T) {
	router, store, _, _, conns := routerSetup(t)
	store.failCreate = 10

	_, err := router.PublishPublic(context.Background(), "alice", "lost")
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if store.creates != 3 {
		t.Errorf("expected 3 attempts, got %d", store.creates)
	}
	for name, c := range conns {
		if n := len(c.events(t)); n != 0 {
			t.Errorf("%s received %d events for a failed publish", name, n)
		}
	}
}

func TestRouter_NotFoundIsNotRetried(t *testing.T) {
	router, _, _, _, _ := routerSetup(t)

	before := testutil.ToFloat64(metrics.StoreRetries.WithLabelValues("get_message"))
	if err := router.DeleteMessage(context.Background(), "alice", 12345); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("got %v", err)
	}
	if after := testutil.ToFloat64(metrics.StoreRetries.WithLabelValues("get_message")); after != before {
		t.Errorf("not found should not be retried")
	}
}
