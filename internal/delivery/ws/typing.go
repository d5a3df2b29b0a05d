package ws

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
	"github.com/mmuslimabdulj/goat-relay/internal/metrics"
)

type typingScope struct {
	scope  domain.Scope
	timers map[string]*time.Timer // identity -> inactivity timer
}

// Typing tracks who is composing in each scope. Several identities can type
// in the same scope at once. An indicator that is never stopped is evicted
// after the inactivity timeout.
type Typing struct {
	mu       sync.Mutex
	timeout  time.Duration
	presence *Presence
	scopes   map[string]*typingScope
}

// NewTyping creates a coordinator that delivers through presence
func NewTyping(presence *Presence, timeout time.Duration) *Typing {
	if timeout <= 0 {
		timeout = domain.TypingTimeout
	}
	return &Typing{
		timeout:  timeout,
		presence: presence,
		scopes:   make(map[string]*typingScope),
	}
}

// Start marks identity as typing in scope. The first call announces the
// transition; later calls only push back the timeout.
func (t *Typing) Start(scope domain.Scope, identity string) error {
	if !scope.Valid() || !scope.Includes(identity) {
		return domain.ErrInvalidScope
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.scopes[scope.Key()]
	if !ok {
		ts = &typingScope{scope: scope, timers: make(map[string]*time.Timer)}
		t.scopes[scope.Key()] = ts
	}

	if timer, typing := ts.timers[identity]; typing {
		timer.Stop()
		ts.timers[identity] = t.armLocked(scope, identity)
		return nil
	}

	ts.timers[identity] = t.armLocked(scope, identity)
	t.emitLocked(scope, identity, true)
	return nil
}

// Stop clears identity's indicator in scope. Stopping an idle identity is a no-op.
func (t *Typing) Stop(scope domain.Scope, identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked(scope.Key(), identity)
}

// StopAll clears identity's indicators in every scope
func (t *Typing) StopAll(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.scopes))
	for key, ts := range t.scopes {
		if _, ok := ts.timers[identity]; ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		t.stopLocked(key, identity)
	}
}

// Typers returns the sorted identities typing in scope
func (t *Typing) Typers(scope domain.Scope) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.scopes[scope.Key()]
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(ts.timers))
	for id := range ts.timers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *Typing) stopLocked(key, identity string) bool {
	ts, ok := t.scopes[key]
	if !ok {
		return false
	}
	timer, ok := ts.timers[identity]
	if !ok {
		return false
	}
	timer.Stop()
	delete(ts.timers, identity)
	if len(ts.timers) == 0 {
		delete(t.scopes, key)
	}
	t.emitLocked(ts.scope, identity, false)
	return true
}

// armLocked starts the inactivity timer. The callback only evicts if its own
// timer is still the current one, so a re-armed indicator is left alone.
func (t *Typing) armLocked(scope domain.Scope, identity string) *time.Timer {
	var timer *time.Timer
	timer = time.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		ts, ok := t.scopes[scope.Key()]
		if !ok || ts.timers[identity] != timer {
			return
		}
		metrics.TypingTimeouts.Inc()
		log.Debug().Str("identity", identity).Str("scope", scope.Key()).Msg("typing timed out")
		t.stopLocked(scope.Key(), identity)
	})
	return timer
}

// emitLocked delivers typing_changed to everyone in scope except the typer
func (t *Typing) emitLocked(scope domain.Scope, identity string, typing bool) {
	frame, err := domain.Encode(domain.EventTypingChanged, domain.TypingChangedPayload{
		Scope:    scope,
		Identity: identity,
		IsTyping: typing,
	})
	if err != nil {
		log.Error().Err(err).Msg("encode typing")
		return
	}

	var targets []Conn
	if scope.IsPublic() {
		own := make(map[string]struct{})
		for _, c := range t.presence.ConnectionsFor(identity) {
			own[c.ID()] = struct{}{}
		}
		for _, c := range t.presence.Connections() {
			if _, mine := own[c.ID()]; !mine {
				targets = append(targets, c)
			}
		}
	} else {
		targets = t.presence.ConnectionsFor(scope.Peer(identity))
	}
	deliver(targets, domain.EventTypingChanged, frame)
}
