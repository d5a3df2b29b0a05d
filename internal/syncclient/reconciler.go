package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
)

// HistoryFetcher loads the full ordered history of one scope
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, scope domain.Scope) ([]domain.Message, error)
}

// fetchState collects live events for a scope whose history is in flight
type fetchState struct {
	buffered []domain.Event
}

// pendingRef ties a client ref to the placeholder it created
type pendingRef struct {
	scopeKey string
	localID  string
}

// Reconciler merges history snapshots with the live event stream into one
// transcript per scope, and keeps the presence and typing projections.
type Reconciler struct {
	self    string
	fetcher HistoryFetcher

	mu          sync.Mutex
	active      domain.Scope
	transcripts map[string]*Transcript
	fetching    map[string]*fetchState
	unread      map[string]int
	typing      map[string]map[string]struct{}
	online      []string
	users       []domain.User
	refs        map[string]pendingRef
}

// NewReconciler creates a reconciler for the given identity
func NewReconciler(self string, fetcher HistoryFetcher) *Reconciler {
	return &Reconciler{
		self:        self,
		fetcher:     fetcher,
		active:      domain.Public(),
		transcripts: make(map[string]*Transcript),
		fetching:    make(map[string]*fetchState),
		unread:      make(map[string]int),
		typing:      make(map[string]map[string]struct{}),
		refs:        make(map[string]pendingRef),
	}
}

// Self returns the identity this reconciler works for
func (r *Reconciler) Self() string {
	return r.self
}

// Active returns the scope last passed to Activate
func (r *Reconciler) Active() domain.Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Activate makes scope the active conversation and replaces its transcript
// with a fresh history fetch. Live events for scope that arrive while the
// fetch is in flight are held back and applied on top of the snapshot.
func (r *Reconciler) Activate(ctx context.Context, scope domain.Scope) error {
	if !scope.Valid() || !scope.Includes(r.self) {
		return domain.ErrInvalidScope
	}
	r.mu.Lock()
	r.active = scope
	r.mu.Unlock()
	return r.refresh(ctx, scope)
}

// Resync re-fetches Public and the active scope. Called after a reconnect,
// since live events missed during the outage are not replayed by the relay.
func (r *Reconciler) Resync(ctx context.Context) error {
	r.mu.Lock()
	active := r.active
	clear(r.typing)
	r.mu.Unlock()

	if err := r.refresh(ctx, domain.Public()); err != nil {
		return err
	}
	if active.IsPublic() {
		return nil
	}
	return r.refresh(ctx, active)
}

func (r *Reconciler) refresh(ctx context.Context, scope domain.Scope) error {
	key := scope.Key()
	state := &fetchState{}

	r.mu.Lock()
	r.fetching[key] = state
	r.mu.Unlock()

	msgs, err := r.fetcher.FetchHistory(ctx, scope)

	r.mu.Lock()
	defer r.mu.Unlock()

	// A newer fetch for the same scope owns the buffer now
	if r.fetching[key] != state {
		return err
	}
	delete(r.fetching, key)
	if err != nil {
		return fmt.Errorf("fetch %s history: %w", key, err)
	}

	t := r.transcriptLocked(key)
	t.Replace(msgs)
	for _, ev := range state.buffered {
		r.applyLocked(ev)
	}
	r.unread[key] = 0

	log.Debug().Str("scope", key).Int("messages", t.Len()).Int("replayed", len(state.buffered)).Msg("history applied")
	return nil
}

// Apply feeds one inbound event into the projections
func (r *Reconciler) Apply(ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(ev)
}

func (r *Reconciler) applyLocked(ev domain.Event) error {
	switch ev.Type {
	case domain.EventPresenceChanged:
		var p domain.PresencePayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		r.online = append([]string(nil), p.Identities...)
		sort.Strings(r.online)

	case domain.EventUsersChanged:
		var p domain.UsersChangedPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		r.users = append([]domain.User(nil), p.Users...)

	case domain.EventPublicMessage, domain.EventPrivateMessage, domain.EventMessageEdited:
		var m domain.Message
		if err := decode(ev, &m); err != nil {
			return err
		}
		counts := ev.Type != domain.EventMessageEdited && m.Sender != r.self
		t, ok := r.route(ev, m.Scope)
		switch {
		case ok:
			if t.Upsert(m) && counts && !r.isActiveLocked(m.Scope) {
				r.unread[m.Scope.Key()]++
			}
		case counts && !r.isFetchingLocked(m.Scope):
			r.unread[m.Scope.Key()]++
		}

	case domain.EventMessageDeleted:
		var p domain.MessageDeletedPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		if t, ok := r.route(ev, p.Scope); ok {
			t.Remove(p.ID)
		}

	case domain.EventReactionAdded:
		var p domain.ReactionsPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		if t, ok := r.route(ev, p.Scope); ok {
			t.SetReactions(p.ID, p.Reactions)
		}

	case domain.EventTypingChanged:
		var p domain.TypingChangedPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		if p.Identity == r.self {
			return nil
		}
		key := p.Scope.Key()
		if p.IsTyping {
			if r.typing[key] == nil {
				r.typing[key] = make(map[string]struct{})
			}
			r.typing[key][p.Identity] = struct{}{}
		} else if set := r.typing[key]; set != nil {
			delete(set, p.Identity)
			if len(set) == 0 {
				delete(r.typing, key)
			}
		}

	case domain.EventAck:
		var p domain.AckPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		ref, ok := r.refs[p.Ref]
		if !ok {
			return nil
		}
		delete(r.refs, p.Ref)
		if t := r.transcripts[ref.scopeKey]; t != nil {
			t.Confirm(ref.localID, p.Message)
		}

	case domain.EventError:
		var p domain.ErrorPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		log.Warn().Str("code", p.Code).Str("event", string(p.Event)).Str("ref", p.Ref).Msg(p.Message)
		if ref, ok := r.refs[p.Ref]; ok {
			delete(r.refs, p.Ref)
			if t := r.transcripts[ref.scopeKey]; t != nil {
				t.DropPending(ref.localID)
			}
		}

	default:
		log.Debug().Str("event", string(ev.Type)).Msg("ignoring unknown event")
	}
	return nil
}

// route returns the transcript a live event should be applied to. Events for
// a scope with a fetch in flight are buffered; events for a scope that was
// never fetched are not inserted at all.
func (r *Reconciler) route(ev domain.Event, scope domain.Scope) (*Transcript, bool) {
	key := scope.Key()
	if state, ok := r.fetching[key]; ok {
		state.buffered = append(state.buffered, ev)
		return nil, false
	}
	t, ok := r.transcripts[key]
	return t, ok
}

// Compose returns the ref to send with an outgoing message. When scope has a
// transcript, or its history is being fetched, a placeholder is added that
// is swapped for the relay's copy on ack. A scope that was never fetched
// gets no transcript, so no placeholder is shown for it.
func (r *Reconciler) Compose(scope domain.Scope, text string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := scope.Key()
	t, ok := r.transcripts[key]
	if !ok && r.isFetchingLocked(scope) {
		t, ok = r.transcriptLocked(key), true
	}
	if !ok {
		ref := uuid.NewString()
		r.refs[ref] = pendingRef{scopeKey: key}
		return ref
	}
	localID := t.AddPending(r.self, scope, text)
	r.refs[localID] = pendingRef{scopeKey: key, localID: localID}
	return localID
}

// Discard drops the placeholder for ref, e.g. when the send never left
func (r *Reconciler) Discard(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.refs[ref]; ok {
		delete(r.refs, ref)
		if t := r.transcripts[p.scopeKey]; t != nil {
			t.DropPending(p.localID)
		}
	}
}

// Messages returns the transcript of scope, placeholders last
func (r *Reconciler) Messages(scope domain.Scope) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transcripts[scope.Key()]
	if !ok {
		return nil
	}
	return t.Messages()
}

// Typers returns the identities currently typing in scope, sorted
func (r *Reconciler) Typers(scope domain.Scope) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.typing[scope.Key()]))
	for id := range r.typing[scope.Key()] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Online returns the last announced presence set
func (r *Reconciler) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.online...)
}

// Users returns the last announced user directory
func (r *Reconciler) Users() []domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.User(nil), r.users...)
}

// Unread returns the number of messages from others that arrived in scope
// while it was not the active one
func (r *Reconciler) Unread(scope domain.Scope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread[scope.Key()]
}

func (r *Reconciler) isActiveLocked(scope domain.Scope) bool {
	return scope.IsPublic() || scope == r.active
}

func (r *Reconciler) isFetchingLocked(scope domain.Scope) bool {
	_, ok := r.fetching[scope.Key()]
	return ok
}

func (r *Reconciler) transcriptLocked(key string) *Transcript {
	t, ok := r.transcripts[key]
	if !ok {
		t = NewTranscript()
		r.transcripts[key] = t
	}
	return t
}

func decode(ev domain.Event, v any) error {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrMalformedEvent, ev.Type, err)
	}
	return nil
}
