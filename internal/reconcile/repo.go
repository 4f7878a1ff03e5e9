package reconcile

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/models"
)

const upsertBatch = 200

// Repo writes normalized records into the durable store. Everything is an
// upsert keyed by logical id, so re-running a cycle over the same data is a
// no-op.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

func (r *Repo) UpsertUsers(ctx context.Context, users []models.User) error {
	if len(users) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(users, upsertBatch).Error
}

func (r *Repo) UpsertRooms(ctx context.Context, rooms []models.Room) error {
	if len(rooms) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(rooms, upsertBatch).Error
}

func (r *Repo) UpsertMessages(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(msgs, upsertBatch).Error
}

// UserKeys returns id, email and legacy-id lookups for sender resolution.
func (r *Repo) UserKeys(ctx context.Context) (byID map[string]bool, byEmail map[string]string, byLegacy map[uint64]string, err error) {
	var users []models.User
	if err = r.db.WithContext(ctx).Select("id", "email", "legacy_id").Find(&users).Error; err != nil {
		return nil, nil, nil, err
	}
	byID = make(map[string]bool, len(users))
	byEmail = make(map[string]string, len(users))
	byLegacy = make(map[uint64]string, len(users))
	for _, u := range users {
		byID[u.ID] = true
		if u.Email != "" {
			byEmail[u.Email] = u.ID
		}
		if u.LegacyID != nil {
			byLegacy[*u.LegacyID] = u.ID
		}
	}
	return byID, byEmail, byLegacy, nil
}
