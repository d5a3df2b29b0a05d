package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
	"github.com/mmuslimabdulj/goat-relay/internal/metrics"
)

// MessageStore is the durable side of the router. repo.Store implements it.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *domain.Message) error
	GetMessage(ctx context.Context, id uint64) (*domain.Message, error)
	UpdateText(ctx context.Context, id uint64, text string) (*domain.Message, error)
	AppendReaction(ctx context.Context, id uint64, reaction string) (*domain.Message, error)
	DeleteMessage(ctx context.Context, id uint64) error
}

// UserDirectory resolves identities to registered users
type UserDirectory interface {
	UserExists(ctx context.Context, identity string) (bool, error)
}

// RouterConfig bounds store access and message size
type RouterConfig struct {
	StoreTimeout  time.Duration
	StoreRetries  int
	MaxTextLength int

	// RetryInterval is the first backoff delay between store attempts
	RetryInterval time.Duration
}

// Router persists chat events and fans them out to live connections. Store
// calls never run under the presence or typing locks; delivery targets are
// snapshotted after the write.
type Router struct {
	store    MessageStore
	users    UserDirectory
	presence *Presence
	typing   *Typing
	cfg      RouterConfig
}

// NewRouter creates a Router. Zero config values fall back to defaults.
func NewRouter(store MessageStore, users UserDirectory, presence *Presence, typing *Typing, cfg RouterConfig) *Router {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = domain.StoreTimeout
	}
	if cfg.StoreRetries <= 0 {
		cfg.StoreRetries = domain.StoreRetries
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = domain.MaxTextLength
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	return &Router{
		store:    store,
		users:    users,
		presence: presence,
		typing:   typing,
		cfg:      cfg,
	}
}

// PublishPublic persists a public message and delivers it to every live
// connection, the sender's included.
func (r *Router) PublishPublic(ctx context.Context, sender, text string) (*domain.Message, error) {
	ctx, span := r.span(ctx, "PublishPublic", attribute.String("sender", sender))
	defer span.End()

	if err := r.validateText(text); err != nil {
		return nil, r.fail(span, "publish_public", err)
	}
	if err := r.requireUsers(ctx, sender); err != nil {
		return nil, r.fail(span, "publish_public", err)
	}

	m := &domain.Message{Sender: sender, Scope: domain.Public(), Text: text}
	if err := r.create(ctx, m); err != nil {
		return nil, r.fail(span, "publish_public", err)
	}

	r.typing.Stop(m.Scope, sender)
	r.broadcast(m.EventType(), m, r.presence.Connections())
	return m, nil
}

// PublishPrivate persists a message between sender and recipient and
// delivers it to every connection of both. The message is stored even when
// the recipient is offline.
func (r *Router) PublishPrivate(ctx context.Context, sender, recipient, text string) (*domain.Message, error) {
	ctx, span := r.span(ctx, "PublishPrivate",
		attribute.String("sender", sender),
		attribute.String("recipient", recipient),
	)
	defer span.End()

	if !domain.ValidIdentity(recipient) {
		return nil, r.fail(span, "publish_private", fmt.Errorf("%w: %q", domain.ErrUnknownUser, recipient))
	}
	if recipient == sender {
		return nil, r.fail(span, "publish_private", fmt.Errorf("%w: cannot message yourself", domain.ErrInvalidScope))
	}
	if err := r.validateText(text); err != nil {
		return nil, r.fail(span, "publish_private", err)
	}
	if err := r.requireUsers(ctx, sender, recipient); err != nil {
		return nil, r.fail(span, "publish_private", err)
	}

	m := &domain.Message{
		Sender:    sender,
		Recipient: recipient,
		Scope:     domain.Private(sender, recipient),
		Text:      text,
	}
	if err := r.create(ctx, m); err != nil {
		return nil, r.fail(span, "publish_private", err)
	}

	r.typing.Stop(m.Scope, sender)
	r.broadcast(m.EventType(), m, r.scopeTargets(m.Scope))
	return m, nil
}

// EditMessage replaces the text of a message the caller sent
func (r *Router) EditMessage(ctx context.Context, caller string, id uint64, text string) (*domain.Message, error) {
	ctx, span := r.span(ctx, "EditMessage", attribute.Int64("message_id", int64(id)))
	defer span.End()

	if err := r.validateText(text); err != nil {
		return nil, r.fail(span, "edit_message", err)
	}
	if _, err := r.authorize(ctx, caller, id, true); err != nil {
		return nil, r.fail(span, "edit_message", err)
	}

	m, err := callStore(ctx, r, "update_text", func(ctx context.Context) (*domain.Message, error) {
		return r.store.UpdateText(ctx, id, text)
	})
	if err != nil {
		return nil, r.fail(span, "edit_message", err)
	}

	r.broadcast(domain.EventMessageEdited, m, r.scopeTargets(m.Scope))
	return m, nil
}

// DeleteMessage tombstones a message the caller sent
func (r *Router) DeleteMessage(ctx context.Context, caller string, id uint64) error {
	ctx, span := r.span(ctx, "DeleteMessage", attribute.Int64("message_id", int64(id)))
	defer span.End()

	m, err := r.authorize(ctx, caller, id, true)
	if err != nil {
		return r.fail(span, "delete_message", err)
	}

	_, err = callStore(ctx, r, "delete_message", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.store.DeleteMessage(ctx, id)
	})
	if err != nil {
		return r.fail(span, "delete_message", err)
	}

	r.broadcast(domain.EventMessageDeleted, domain.MessageDeletedPayload{ID: id, Scope: m.Scope}, r.scopeTargets(m.Scope))
	return nil
}

// AddReaction appends reaction to a message visible to the caller
func (r *Router) AddReaction(ctx context.Context, caller string, id uint64, reaction string) (*domain.Message, error) {
	ctx, span := r.span(ctx, "AddReaction", attribute.Int64("message_id", int64(id)))
	defer span.End()

	reaction = strings.TrimSpace(reaction)
	if reaction == "" || utf8.RuneCountInString(reaction) > domain.MaxReactionLength {
		return nil, r.fail(span, "add_reaction", domain.ErrInvalidReaction)
	}
	if _, err := r.authorize(ctx, caller, id, false); err != nil {
		return nil, r.fail(span, "add_reaction", err)
	}

	m, err := callStore(ctx, r, "append_reaction", func(ctx context.Context) (*domain.Message, error) {
		return r.store.AppendReaction(ctx, id, reaction)
	})
	if err != nil {
		return nil, r.fail(span, "add_reaction", err)
	}

	r.broadcast(domain.EventReactionAdded, domain.ReactionsPayload{
		ID:        m.ID,
		Scope:     m.Scope,
		Reactions: m.Reactions,
	}, r.scopeTargets(m.Scope))
	return m, nil
}

// authorize loads message id and checks the caller may act on it. Edits and
// deletes are reserved to the sender; reactions to anyone who can see it.
func (r *Router) authorize(ctx context.Context, caller string, id uint64, senderOnly bool) (*domain.Message, error) {
	m, err := callStore(ctx, r, "get_message", func(ctx context.Context) (*domain.Message, error) {
		return r.store.GetMessage(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if senderOnly && m.Sender != caller {
		return nil, domain.ErrForbidden
	}
	if !m.Scope.Includes(caller) {
		return nil, domain.ErrForbidden
	}
	return m, nil
}

// create stores m under one key for all attempts, so an attempt that timed
// out after its commit is not stored a second time by the retry.
func (r *Router) create(ctx context.Context, m *domain.Message) error {
	if m.Key == "" {
		m.Key = uuid.NewString()
	}
	_, err := callStore(ctx, r, "create_message", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.store.CreateMessage(ctx, m)
	})
	return err
}

func (r *Router) requireUsers(ctx context.Context, identities ...string) error {
	for _, id := range identities {
		ok, err := callStore(ctx, r, "user_exists", func(ctx context.Context) (bool, error) {
			return r.users.UserExists(ctx, id)
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %q", domain.ErrUnknownUser, id)
		}
	}
	return nil
}

func (r *Router) validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return domain.ErrEmptyText
	}
	if utf8.RuneCountInString(text) > r.cfg.MaxTextLength {
		return domain.ErrTextTooLong
	}
	return nil
}

// scopeTargets snapshots the connections allowed to see scope
func (r *Router) scopeTargets(scope domain.Scope) []Conn {
	if scope.IsPublic() {
		return r.presence.Connections()
	}
	return uniqueConns(
		r.presence.ConnectionsFor(scope.Members[0]),
		r.presence.ConnectionsFor(scope.Members[1]),
	)
}

func (r *Router) broadcast(t domain.EventType, payload any, targets []Conn) {
	frame, err := domain.Encode(t, payload)
	if err != nil {
		log.Error().Err(err).Str("event", string(t)).Msg("encode outbound event")
		return
	}
	deliver(targets, t, frame)
}

func (r *Router) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("ws/Router").Start(ctx, name, trace.WithAttributes(attrs...))
}

func (r *Router) fail(span trace.Span, op string, err error) error {
	code := domain.ErrorCode(err)
	metrics.OperationFailures.WithLabelValues(code).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, code)

	ev := log.Warn()
	if code == "store_unavailable" || code == "internal_error" {
		ev = log.Error()
	}
	ev.Err(err).Str("op", op).Str("code", code).Msg("router operation failed")
	return err
}

// permanent reports errors that a retry cannot fix
func permanent(err error) bool {
	return errors.Is(err, domain.ErrMessageNotFound) ||
		errors.Is(err, domain.ErrForbidden) ||
		errors.Is(err, domain.ErrInvalidScope) ||
		errors.Is(err, domain.ErrUnknownUser)
}

// callStore runs fn with a per-attempt timeout, retrying transient failures
// with exponential backoff. Exhausted retries become ErrStoreUnavailable.
func callStore[T any](ctx context.Context, r *Router, op string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInterval
	b.MaxInterval = 2 * time.Second

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		if attempt > 1 {
			metrics.StoreRetries.WithLabelValues(op).Inc()
		}
		actx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
		defer cancel()

		v, err := fn(actx)
		if err != nil && permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.StoreRetries)),
	)
	if err == nil {
		return res, nil
	}

	var zero T
	if permanent(err) {
		return zero, err
	}
	return zero, fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
}
