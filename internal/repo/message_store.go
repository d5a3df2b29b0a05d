package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
)

const tracerName = "repo/Store"

// Store is the durable message store and user directory.
// It is safe for concurrent use; every write is an independent row update.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps an opened and migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// ErrDuplicate indicates that a message with the same (sender, key) exists.
var ErrDuplicate = errors.New("duplicate")

// CreateMessage inserts m, assigning ID and timestamps. Reactions start empty.
// A message whose (Sender, Key) was already stored is not inserted again: m
// is filled from the existing row instead, so retries are safe. An empty Key
// gets a fresh one.
func (s *Store) CreateMessage(ctx context.Context, m *domain.Message) error {
	ctx, span := s.span(ctx, "CreateMessage",
		attribute.String("scope", m.Scope.Key()),
		attribute.String("sender", m.Sender),
	)
	defer span.End()

	if m.Key == "" {
		m.Key = uuid.NewString()
	}
	now := s.now()
	row := messageRow{
		ScopeKey:  m.Scope.Key(),
		Sender:    m.Sender,
		IdemKey:   m.Key,
		Recipient: m.Recipient,
		Text:      m.Text,
		Reactions: []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.insertMessage(ctx, &row)
	if errors.Is(err, ErrDuplicate) {
		span.AddEvent("duplicate key, returning stored message")
		existing, lerr := s.loadByKey(s.db.WithContext(ctx), m.Sender, m.Key)
		if lerr != nil {
			span.RecordError(lerr)
			return lerr
		}
		row = *existing
	} else if err != nil {
		span.RecordError(err)
		return err
	}

	stored, err := row.toDomain()
	if err != nil {
		return err
	}
	stored.Key = m.Key
	*m = stored
	return nil
}

// insertMessage creates row and returns ErrDuplicate on unique violation.
func (s *Store) insertMessage(ctx context.Context, row *messageRow) error {
	err := s.db.WithContext(ctx).Create(row).Error
	if err == nil {
		return nil
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	if errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") {
		return ErrDuplicate
	}
	return err
}

func (s *Store) loadByKey(db *gorm.DB, sender, key string) (*messageRow, error) {
	var row messageRow
	if err := db.Where("sender = ? AND idem_key = ?", sender, key).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	return &row, nil
}

// GetMessage fetches a live (not deleted) message by id.
func (s *Store) GetMessage(ctx context.Context, id uint64) (*domain.Message, error) {
	ctx, span := s.span(ctx, "GetMessage", attribute.Int64("message.id", int64(id)))
	defer span.End()

	row, err := s.load(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	m, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateText replaces the text of a message and marks it edited.
func (s *Store) UpdateText(ctx context.Context, id uint64, text string) (*domain.Message, error) {
	ctx, span := s.span(ctx, "UpdateText", attribute.Int64("message.id", int64(id)))
	defer span.End()

	return s.mutate(ctx, id, func(row *messageRow) {
		row.Text = text
		row.Edited = true
	})
}

// AppendReaction adds reaction to the message's reaction list.
func (s *Store) AppendReaction(ctx context.Context, id uint64, reaction string) (*domain.Message, error) {
	ctx, span := s.span(ctx, "AppendReaction", attribute.Int64("message.id", int64(id)))
	defer span.End()

	return s.mutate(ctx, id, func(row *messageRow) {
		row.Reactions = append(row.Reactions, reaction)
	})
}

// DeleteMessage tombstones a message so it no longer appears in history.
func (s *Store) DeleteMessage(ctx context.Context, id uint64) error {
	ctx, span := s.span(ctx, "DeleteMessage", attribute.Int64("message.id", int64(id)))
	defer span.End()

	res := s.db.WithContext(ctx).Delete(&messageRow{}, id)
	if res.Error != nil {
		span.RecordError(res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// History returns every live message in scope ordered by (CreatedAt ASC, ID ASC).
func (s *Store) History(ctx context.Context, scope domain.Scope) ([]domain.Message, error) {
	ctx, span := s.span(ctx, "History", attribute.String("scope", scope.Key()))
	defer span.End()

	if !scope.Valid() {
		return nil, domain.ErrInvalidScope
	}

	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("scope_key = ?", scope.Key()).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", r.ID, err)
		}
		out = append(out, m)
	}
	span.SetAttributes(attribute.Int("messages", len(out)))
	return out, nil
}

// Conversations lists the private scopes identity has messages in, most
// recently active first. Deleted messages do not count.
func (s *Store) Conversations(ctx context.Context, identity string) ([]domain.Conversation, error) {
	ctx, span := s.span(ctx, "Conversations", attribute.String("identity", identity))
	defer span.End()

	var rows []struct {
		ScopeKey string
		LastID   uint64
	}
	err := s.db.WithContext(ctx).
		Model(&messageRow{}).
		Select("scope_key, MAX(id) AS last_id").
		Where("scope_key LIKE ? AND (sender = ? OR recipient = ?)", "private:%", identity, identity).
		Group("scope_key").
		Order("last_id DESC").
		Scan(&rows).Error
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := make([]domain.Conversation, 0, len(rows))
	for _, r := range rows {
		scope, err := domain.ParseScopeKey(r.ScopeKey)
		if err != nil {
			return nil, fmt.Errorf("conversation %q: %w", r.ScopeKey, err)
		}
		if !scope.Includes(identity) {
			continue
		}
		out = append(out, domain.Conversation{
			Peer:          scope.Peer(identity),
			Scope:         scope,
			LastMessageID: r.LastID,
		})
	}
	span.SetAttributes(attribute.Int("conversations", len(out)))
	return out, nil
}

func (s *Store) load(db *gorm.DB, id uint64) (*messageRow, error) {
	var row messageRow
	if err := db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	return &row, nil
}

// mutate runs a read-modify-write of one row inside a transaction.
func (s *Store) mutate(ctx context.Context, id uint64, apply func(*messageRow)) (*domain.Message, error) {
	var updated *messageRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.load(tx, id)
		if err != nil {
			return err
		}
		apply(row)
		row.UpdatedAt = s.now()
		if err := tx.Save(row).Error; err != nil {
			return err
		}
		updated = row
		return nil
	})
	if err != nil {
		return nil, err
	}

	m, err := updated.toDomain()
	if err != nil {
		return nil, err
	}
	return &m, nil
}
