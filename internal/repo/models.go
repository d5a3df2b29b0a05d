package repo

import (
	"time"

	"gorm.io/gorm"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
)

// messageRow is the persisted form of domain.Message.
//
// ID is an autoincrement integer, so it is monotonic in insertion order and
// serves as the tie-break when two messages share CreatedAt. Deletion is a
// soft delete: the row stays as a tombstone and is excluded from history.
// (Sender, IdemKey) is unique so a retried insert finds the first one.
type messageRow struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement"`
	ScopeKey  string         `gorm:"type:varchar(140);not null;index:idx_scope_created,priority:1"`
	Sender    string         `gorm:"type:varchar(64);not null;uniqueIndex:ux_sender_key,priority:1"`
	IdemKey   string         `gorm:"type:varchar(64);not null;uniqueIndex:ux_sender_key,priority:2"`
	Recipient string         `gorm:"type:varchar(64)"`
	Text      string         `gorm:"type:text;not null"`
	Edited    bool           `gorm:"not null;default:false"`
	Reactions []string       `gorm:"type:text;serializer:json"`
	CreatedAt time.Time      `gorm:"index:idx_scope_created,priority:2"`
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (messageRow) TableName() string { return "messages" }

func (r messageRow) toDomain() (domain.Message, error) {
	scope, err := domain.ParseScopeKey(r.ScopeKey)
	if err != nil {
		return domain.Message{}, err
	}
	reactions := r.Reactions
	if reactions == nil {
		reactions = []string{}
	}
	return domain.Message{
		ID:        r.ID,
		Sender:    r.Sender,
		Recipient: r.Recipient,
		Scope:     scope,
		Text:      r.Text,
		Edited:    r.Edited,
		Reactions: reactions,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

// userRow is a registered identity.
type userRow struct {
	Identity    string `gorm:"type:varchar(64);primaryKey"`
	DisplayName string `gorm:"type:varchar(128);not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (userRow) TableName() string { return "users" }

func (r userRow) toDomain() domain.User {
	return domain.User{
		Identity:    r.Identity,
		DisplayName: r.DisplayName,
		CreatedAt:   r.CreatedAt,
	}
}
