package domain

import "time"

// ==== WebSocket Constants ====

// MaxMessageSize is the maximum allowed WebSocket frame size in bytes
const MaxMessageSize = 8192

// MaxTextLength is the maximum number of runes in a chat message body
const MaxTextLength = 2000

// MaxReactionLength caps the size of a single reaction symbol
const MaxReactionLength = 32

// ==== Rate Limit Constants ====

const (
	// DefaultRateLimitAPI is the default rate limit for API endpoints (requests/sec)
	DefaultRateLimitAPI = 10

	// DefaultRateLimitWS is the default rate limit for WebSocket connections (req/sec)
	DefaultRateLimitWS = 5

	// DefaultRateLimitEvents is the per-connection inbound event rate (events/sec)
	DefaultRateLimitEvents = 20
)

// ==== Timing Constants ====

const (
	// TypingTimeout evicts a typing indicator that was never stopped
	TypingTimeout = 6 * time.Second

	// StoreTimeout bounds a single call to the message store
	StoreTimeout = 5 * time.Second

	// StoreRetries is the number of attempts for a failing store call
	StoreRetries = 3

	// ShutdownGracePeriod is how long the server waits for connections to drain
	ShutdownGracePeriod = 30 * time.Second
)
