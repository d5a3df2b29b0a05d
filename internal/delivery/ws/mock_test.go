package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
)

// mockConn records every frame it is sent
type mockConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	dead   bool
}

func newMockConn(id string) *mockConn {
	return &mockConn{id: id}
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(frame []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead {
		return false
	}
	m.frames = append(m.frames, frame)
	return true
}

func (m *mockConn) kill() {
	m.mu.Lock()
	m.dead = true
	m.mu.Unlock()
}

func (m *mockConn) reset() {
	m.mu.Lock()
	m.frames = nil
	m.mu.Unlock()
}

func (m *mockConn) events(t *testing.T) []domain.Event {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	return decodeFrames(t, m.frames)
}

func (m *mockConn) ofType(t *testing.T, typ domain.EventType) []domain.Event {
	t.Helper()
	var out []domain.Event
	for _, ev := range m.events(t) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func decodeFrames(t *testing.T, frames [][]byte) []domain.Event {
	t.Helper()
	out := make([]domain.Event, 0, len(frames))
	for _, f := range frames {
		var ev domain.Event
		if err := json.Unmarshal(f, &ev); err != nil {
			t.Fatalf("bad frame %q: %v", f, err)
		}
		out = append(out, ev)
	}
	return out
}

func payload[T any](t *testing.T, ev domain.Event) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(ev.Payload, &v); err != nil {
		t.Fatalf("decode %s payload: %v", ev.Type, err)
	}
	return v
}

// drain empties a client's send queue
func drain(t *testing.T, c *Client) []domain.Event {
	t.Helper()
	var frames [][]byte
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return decodeFrames(t, frames)
			}
			frames = append(frames, f)
		default:
			return decodeFrames(t, frames)
		}
	}
}

func filter(events []domain.Event, typ domain.EventType) []domain.Event {
	var out []domain.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

var errTransient = errors.New("database is locked")

// memStore is an in-memory MessageStore and UserDirectory with fault injection
type memStore struct {
	mu      sync.Mutex
	nextID  uint64
	msgs    map[uint64]*domain.Message
	deleted map[uint64]bool
	users   map[string]bool
	now     time.Time

	failCreate int // fail this many CreateMessage calls with errTransient
	lateCommit int // commit, then report a timeout, this many times
	creates    int
	keys       map[string]uint64
}

func newMemStore(users ...string) *memStore {
	s := &memStore{
		msgs:    make(map[uint64]*domain.Message),
		deleted: make(map[uint64]bool),
		users:   make(map[string]bool),
		keys:    make(map[string]uint64),
		now:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, u := range users {
		s.users[u] = true
	}
	return s
}

func (s *memStore) CreateMessage(ctx context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if s.failCreate > 0 {
		s.failCreate--
		return errTransient
	}
	key := m.Sender + "|" + m.Key
	if id, ok := s.keys[key]; ok && m.Key != "" {
		*m = *s.msgs[id]
		return nil
	}
	s.nextID++
	m.ID = s.nextID
	m.CreatedAt = s.now
	m.UpdatedAt = s.now
	m.Reactions = []string{}
	cp := *m
	s.msgs[m.ID] = &cp
	s.keys[key] = m.ID
	if s.lateCommit > 0 {
		s.lateCommit--
		return context.DeadlineExceeded
	}
	return nil
}

func (s *memStore) GetMessage(ctx context.Context, id uint64) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || s.deleted[id] {
		return nil, domain.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) UpdateText(ctx context.Context, id uint64, text string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || s.deleted[id] {
		return nil, domain.ErrMessageNotFound
	}
	m.Text = text
	m.Edited = true
	cp := *m
	return &cp, nil
}

func (s *memStore) AppendReaction(ctx context.Context, id uint64, reaction string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || s.deleted[id] {
		return nil, domain.ErrMessageNotFound
	}
	m.Reactions = append(append([]string{}, m.Reactions...), reaction)
	cp := *m
	return &cp, nil
}

func (s *memStore) DeleteMessage(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[id]; !ok || s.deleted[id] {
		return domain.ErrMessageNotFound
	}
	s.deleted[id] = true
	return nil
}

func (s *memStore) UserExists(ctx context.Context, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[identity], nil
}

func (s *memStore) history(scope domain.Scope) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for id, m := range s.msgs {
		if !s.deleted[id] && m.Scope == scope {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// newTestRouter wires a router over store with fast retries
func newTestRouter(store *memStore) (*Router, *Presence, *Typing) {
	presence := NewPresence()
	typing := NewTyping(presence, time.Minute)
	router := NewRouter(store, store, presence, typing, RouterConfig{
		StoreTimeout:  time.Second,
		StoreRetries:  3,
		RetryInterval: time.Millisecond,
	})
	return router, presence, typing
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
