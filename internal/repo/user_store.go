package repo

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
)

// likeEscaper escapes LIKE wildcards; queries declare ESCAPE '\'.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// UpsertUser records an identity seen from the identity provider,
// refreshing its display name. It reports whether the identity is new.
func (s *Store) UpsertUser(ctx context.Context, u *domain.User) (bool, error) {
	ctx, span := s.span(ctx, "UpsertUser", attribute.String("identity", u.Identity))
	defer span.End()

	now := s.now()
	row := userRow{
		Identity:    u.Identity,
		DisplayName: u.DisplayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&userRow{}).Where("identity = ?", u.Identity).Count(&n).Error; err != nil {
			return err
		}
		created = n == 0
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "identity"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "updated_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("created", created))
	return created, nil
}

// UserExists reports whether identity is registered.
func (s *Store) UserExists(ctx context.Context, identity string) (bool, error) {
	ctx, span := s.span(ctx, "UserExists", attribute.String("identity", identity))
	defer span.End()

	var n int64
	err := s.db.WithContext(ctx).Model(&userRow{}).Where("identity = ?", identity).Count(&n).Error
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return n > 0, nil
}

// ListUsers returns registered users ordered by identity. A non-empty search
// filters by case-insensitive substring match; wildcards in it match literally.
func (s *Store) ListUsers(ctx context.Context, search string) ([]domain.User, error) {
	ctx, span := s.span(ctx, "ListUsers")
	defer span.End()

	q := s.db.WithContext(ctx).Model(&userRow{}).Order("identity ASC")
	if search = strings.TrimSpace(search); search != "" {
		q = q.Where(`LOWER(identity) LIKE ? ESCAPE '\'`, "%"+likeEscaper.Replace(strings.ToLower(search))+"%")
	}

	var rows []userRow
	if err := q.Find(&rows).Error; err != nil {
		span.RecordError(err)
		return nil, err
	}
	out := make([]domain.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
