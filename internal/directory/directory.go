package directory

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/session"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/store/redisstore"
)

// ProfileStore is the slice of the shared store the directory reads.
type ProfileStore interface {
	UserProfile(ctx context.Context, userID string) (map[string]string, error)
}

// Directory resolves user ids to display profiles from the shared store.
// It satisfies both the single-profile lookup the session registry needs and
// the batch lookup the room coordinator needs.
type Directory struct {
	store ProfileStore
	log   *logrus.Entry
}

func New(store ProfileStore, logger *logrus.Logger) *Directory {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Directory{store: store, log: logger.WithField("component", "directory")}
}

func (d *Directory) Profile(ctx context.Context, userID string) (session.Profile, error) {
	fields, err := d.store.UserProfile(ctx, userID)
	if err != nil {
		return session.Profile{}, err
	}
	return profileFromFields(userID, fields), nil
}

// Profiles resolves a roster. Users whose profile record has gone missing are
// skipped rather than failing the whole roster.
func (d *Directory) Profiles(ctx context.Context, userIDs []string) ([]session.Profile, error) {
	out := make([]session.Profile, 0, len(userIDs))
	for _, id := range userIDs {
		fields, err := d.store.UserProfile(ctx, id)
		if err != nil {
			if errors.Is(err, redisstore.ErrNotFound) {
				d.log.WithField("user_id", id).Warn("roster entry without profile record")
				continue
			}
			return nil, err
		}
		out = append(out, profileFromFields(id, fields))
	}
	return out, nil
}

func profileFromFields(userID string, fields map[string]string) session.Profile {
	return session.Profile{
		ID:           userID,
		Name:         fields["name"],
		Email:        fields["email"],
		ProfileImage: fields["profile_image"],
	}
}
