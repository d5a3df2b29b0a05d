// Package syncclient keeps a client's view of the relay consistent: one
// ordered, duplicate-free transcript per conversation built from a history
// fetch plus the live event stream.
package syncclient

import (
	"sort"

	"github.com/google/uuid"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
)

// Entry is one line of a transcript. Pending entries are local placeholders
// for messages the relay has not confirmed yet; their Message has no ID.
type Entry struct {
	Message domain.Message
	Pending bool
	LocalID string

	// after is the highest confirmed ID when the placeholder was added; only
	// newer messages can stand in for it
	after uint64
}

// Transcript is the ordered message list of one scope. Confirmed messages
// are sorted by CreatedAt then ID; placeholders follow them in send order.
// It is not safe for concurrent use; Reconciler serializes access.
type Transcript struct {
	confirmed []domain.Message
	pending   []Entry
}

// NewTranscript returns an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Replace swaps the confirmed messages for a fetched snapshot. Placeholders
// survive; any that the snapshot already confirms are dropped.
func (t *Transcript) Replace(msgs []domain.Message) {
	sorted := make([]domain.Message, 0, len(msgs))
	seen := make(map[uint64]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID != 0 {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		sorted = append(sorted, m)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	t.confirmed = sorted

	kept := t.pending[:0]
	claimed := make(map[uint64]struct{})
	for _, p := range t.pending {
		if id, ok := t.matchConfirmed(p, claimed); ok {
			claimed[id] = struct{}{}
			continue
		}
		kept = append(kept, p)
	}
	t.pending = kept
}

// Upsert inserts m in order, or updates it in place when its ID is already
// present. It reports whether m was new. A message without an ID is appended
// as is. A new message also retires the oldest placeholder it matches.
func (t *Transcript) Upsert(m domain.Message) bool {
	if m.ID == 0 {
		t.confirmed = append(t.confirmed, m)
		return true
	}
	if i := t.indexOf(m.ID); i >= 0 {
		t.confirmed[i] = m
		return false
	}

	i := sort.Search(len(t.confirmed), func(i int) bool { return m.Before(t.confirmed[i]) })
	t.confirmed = append(t.confirmed, domain.Message{})
	copy(t.confirmed[i+1:], t.confirmed[i:])
	t.confirmed[i] = m

	for j, p := range t.pending {
		if standsIn(m, p) {
			t.pending = append(t.pending[:j], t.pending[j+1:]...)
			break
		}
	}
	return true
}

// Confirm replaces the placeholder localID with its authoritative copy
func (t *Transcript) Confirm(localID string, m domain.Message) {
	t.DropPending(localID)
	t.Upsert(m)
}

// Remove deletes message id and reports whether it was present
func (t *Transcript) Remove(id uint64) bool {
	i := t.indexOf(id)
	if i < 0 {
		return false
	}
	t.confirmed = append(t.confirmed[:i], t.confirmed[i+1:]...)
	return true
}

// SetReactions replaces the reaction list of message id
func (t *Transcript) SetReactions(id uint64, reactions []string) bool {
	i := t.indexOf(id)
	if i < 0 {
		return false
	}
	t.confirmed[i].Reactions = append([]string(nil), reactions...)
	return true
}

// AddPending appends a placeholder and returns its local id
func (t *Transcript) AddPending(sender string, scope domain.Scope, text string) string {
	id := uuid.NewString()
	t.pending = append(t.pending, Entry{
		Message: domain.Message{
			Sender:    sender,
			Recipient: scope.Peer(sender),
			Scope:     scope,
			Text:      text,
		},
		Pending: true,
		LocalID: id,
		after:   t.maxID(),
	})
	return id
}

// DropPending removes placeholder localID, e.g. after the relay refused it
func (t *Transcript) DropPending(localID string) bool {
	for i, p := range t.pending {
		if p.LocalID == localID {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns a copy of the transcript, confirmed messages first
func (t *Transcript) Messages() []Entry {
	out := make([]Entry, 0, len(t.confirmed)+len(t.pending))
	for _, m := range t.confirmed {
		out = append(out, Entry{Message: m})
	}
	return append(out, t.pending...)
}

// Len returns the number of confirmed messages
func (t *Transcript) Len() int {
	return len(t.confirmed)
}

func (t *Transcript) indexOf(id uint64) int {
	for i := range t.confirmed {
		if t.confirmed[i].ID == id {
			return i
		}
	}
	return -1
}

// matchConfirmed finds a confirmed message, not yet claimed, that p stands in for
func (t *Transcript) matchConfirmed(p Entry, claimed map[uint64]struct{}) (uint64, bool) {
	for i := len(t.confirmed) - 1; i >= 0; i-- {
		m := t.confirmed[i]
		if _, taken := claimed[m.ID]; taken {
			continue
		}
		if standsIn(m, p) {
			return m.ID, true
		}
	}
	return 0, false
}

func (t *Transcript) maxID() uint64 {
	var id uint64
	for _, m := range t.confirmed {
		id = max(id, m.ID)
	}
	return id
}

// standsIn reports whether confirmed message m can be the relay's copy of
// placeholder p. IDs are assigned in insertion order, so anything stored
// before p was composed is an older message with the same text.
func standsIn(m domain.Message, p Entry) bool {
	return m.ID > p.after && m.Sender == p.Message.Sender && m.Text == p.Message.Text
}
