package domain

import "time"

// User is a registered participant. Records come from the identity provider's
// claims and are only used to resolve senders and recipients.
type User struct {
	Identity    string    `json:"identity"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewUser creates a User, defaulting the display name to the identity
func NewUser(identity, displayName string) *User {
	if displayName == "" {
		displayName = identity
	}
	return &User{
		Identity:    identity,
		DisplayName: displayName,
	}
}

// Conversation is one private scope an identity takes part in, as listed
// for that identity. LastMessageID orders conversations by recency.
type Conversation struct {
	Peer          string `json:"peer"`
	Scope         Scope  `json:"scope"`
	LastMessageID uint64 `json:"last_message_id"`
	Online        bool   `json:"online"`
}
