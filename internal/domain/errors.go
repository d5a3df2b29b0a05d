package domain

import "errors"

// Relay errors. Callers compare with errors.Is; lower layers wrap with %w.
var (
	// ErrUnknownUser is returned when a sender or recipient does not resolve
	// to a registered user. Nothing is persisted or delivered.
	ErrUnknownUser = errors.New("unknown user")

	// ErrStoreUnavailable is returned when the message store could not be
	// reached after retries.
	ErrStoreUnavailable = errors.New("message store unavailable")

	// ErrStaleConnection is returned when delivering to a connection that has
	// already gone away. Delivery paths treat it as a no-op.
	ErrStaleConnection = errors.New("stale connection")

	ErrMessageNotFound = errors.New("message not found")
	ErrForbidden       = errors.New("not allowed for this message")
	ErrEmptyText       = errors.New("message text is empty")
	ErrTextTooLong     = errors.New("message text too long")
	ErrInvalidScope    = errors.New("invalid conversation scope")
	ErrInvalidReaction = errors.New("invalid reaction")
	ErrMalformedEvent  = errors.New("malformed event")
	ErrRateLimited     = errors.New("too many events")
)

// ErrorCode maps an error to the short code sent to clients in error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrMessageNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrEmptyText), errors.Is(err, ErrTextTooLong),
		errors.Is(err, ErrInvalidScope), errors.Is(err, ErrInvalidReaction),
		errors.Is(err, ErrMalformedEvent):
		return "invalid_request"
	default:
		return "internal_error"
	}
}
