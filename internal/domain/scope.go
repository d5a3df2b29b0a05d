package domain

import (
	"encoding/json"
	"strings"
)

// ScopeKind distinguishes the global feed from a one-to-one conversation
type ScopeKind string

const (
	ScopePublic  ScopeKind = "public"
	ScopePrivate ScopeKind = "private"
)

const (
	privatePrefix   = "private:"
	memberSeparator = "|"
)

// Scope is the addressing context of a message: the public feed or the
// unordered pair of two identities. Members are kept sorted so that
// Private(a, b) == Private(b, a).
type Scope struct {
	Kind    ScopeKind
	Members [2]string
}

// Public returns the global scope
func Public() Scope {
	return Scope{Kind: ScopePublic}
}

// Private returns the scope shared by a and b
func Private(a, b string) Scope {
	if b < a {
		a, b = b, a
	}
	return Scope{Kind: ScopePrivate, Members: [2]string{a, b}}
}

// IsPublic reports whether s is the global scope
func (s Scope) IsPublic() bool {
	return s.Kind == ScopePublic
}

// Key is the canonical string form, used as map key, store column and wire value
func (s Scope) Key() string {
	if s.Kind == ScopePrivate {
		return privatePrefix + s.Members[0] + memberSeparator + s.Members[1]
	}
	return string(ScopePublic)
}

func (s Scope) String() string {
	return s.Key()
}

// Includes reports whether identity may read messages in s
func (s Scope) Includes(identity string) bool {
	if s.IsPublic() {
		return true
	}
	return s.Members[0] == identity || s.Members[1] == identity
}

// Peer returns the other participant of a private scope
func (s Scope) Peer(identity string) string {
	if s.IsPublic() {
		return ""
	}
	if s.Members[0] == identity {
		return s.Members[1]
	}
	return s.Members[0]
}

// Valid reports whether s is well formed
func (s Scope) Valid() bool {
	switch s.Kind {
	case ScopePublic:
		return s.Members == [2]string{}
	case ScopePrivate:
		return ValidIdentity(s.Members[0]) && ValidIdentity(s.Members[1]) && s.Members[0] <= s.Members[1]
	}
	return false
}

// ParseScopeKey is the inverse of Key
func ParseScopeKey(key string) (Scope, error) {
	if key == string(ScopePublic) {
		return Public(), nil
	}
	rest, ok := strings.CutPrefix(key, privatePrefix)
	if !ok {
		return Scope{}, ErrInvalidScope
	}
	a, b, ok := strings.Cut(rest, memberSeparator)
	if !ok || !ValidIdentity(a) || !ValidIdentity(b) {
		return Scope{}, ErrInvalidScope
	}
	return Private(a, b), nil
}

// MarshalJSON encodes the scope as its key
func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Key())
}

// UnmarshalJSON decodes a scope key
func (s *Scope) UnmarshalJSON(data []byte) error {
	var key string
	if err := json.Unmarshal(data, &key); err != nil {
		return err
	}
	parsed, err := ParseScopeKey(key)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ValidIdentity rejects empty identities and those that would break scope keys
func ValidIdentity(identity string) bool {
	if identity == "" || len(identity) > 64 {
		return false
	}
	return !strings.ContainsAny(identity, memberSeparator+"\x00\n\r")
}
