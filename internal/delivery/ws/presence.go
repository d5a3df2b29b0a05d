package ws

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
	"github.com/mmuslimabdulj/goat-relay/internal/metrics"
)

// Presence tracks which identities are reachable and through which
// connections. Every mutation and its presence_changed announcement happen in
// the same critical section, so observers never see a stale set.
type Presence struct {
	mu         sync.RWMutex
	byIdentity map[string]map[string]Conn // identity -> conn id -> conn
	owner      map[string]string          // conn id -> identity
}

// NewPresence creates an empty registry
func NewPresence() *Presence {
	return &Presence{
		byIdentity: make(map[string]map[string]Conn),
		owner:      make(map[string]string),
	}
}

// Join registers conn under identity and announces the online set to every
// live connection. Joining again is idempotent; joining under a different
// identity moves the connection.
func (p *Presence) Join(identity string, conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.owner[conn.ID()]; ok && prev != identity {
		p.removeLocked(prev, conn.ID())
	}

	set, ok := p.byIdentity[identity]
	if !ok {
		set = make(map[string]Conn)
		p.byIdentity[identity] = set
	}
	set[conn.ID()] = conn
	p.owner[conn.ID()] = identity

	p.updateGaugesLocked()
	p.announceLocked()
}

// Leave removes conn from whatever identity holds it. wentOffline is true when
// that was the identity's last connection; only then is presence announced.
func (p *Presence) Leave(conn Conn) (identity string, wentOffline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	identity, ok := p.owner[conn.ID()]
	if !ok {
		return "", false
	}
	wentOffline = p.removeLocked(identity, conn.ID())
	p.updateGaugesLocked()
	if wentOffline {
		p.announceLocked()
	}
	return identity, wentOffline
}

// ConnectionsFor returns a snapshot of identity's live connections
func (p *Presence) ConnectionsFor(identity string) []Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set := p.byIdentity[identity]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Connections returns a snapshot of every live connection
func (p *Presence) Connections() []Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connectionsLocked()
}

// Snapshot returns the sorted set of online identities
func (p *Presence) Snapshot() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

// IsOnline reports whether identity has at least one live connection
func (p *Presence) IsOnline(identity string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byIdentity[identity]) > 0
}

// ConnectionCount returns the number of live connections
func (p *Presence) ConnectionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.owner)
}

// removeLocked drops connID from identity's set and reports whether the set
// became empty. Caller must hold the write lock.
func (p *Presence) removeLocked(identity, connID string) bool {
	delete(p.owner, connID)
	set, ok := p.byIdentity[identity]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(p.byIdentity, identity)
		return true
	}
	return false
}

func (p *Presence) connectionsLocked() []Conn {
	out := make([]Conn, 0, len(p.owner))
	for _, set := range p.byIdentity {
		for _, c := range set {
			out = append(out, c)
		}
	}
	return out
}

func (p *Presence) snapshotLocked() []string {
	ids := make([]string, 0, len(p.byIdentity))
	for id := range p.byIdentity {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Presence) updateGaugesLocked() {
	metrics.ConnectionsActive.Set(float64(len(p.owner)))
	metrics.OnlineIdentities.Set(float64(len(p.byIdentity)))
}

// announceLocked sends presence_changed to every connection. Conn.Send never
// blocks, so this is safe under the lock.
func (p *Presence) announceLocked() {
	frame, err := domain.Encode(domain.EventPresenceChanged, domain.PresencePayload{
		Identities: p.snapshotLocked(),
	})
	if err != nil {
		log.Error().Err(err).Msg("encode presence")
		return
	}
	deliver(p.connectionsLocked(), domain.EventPresenceChanged, frame)
}
