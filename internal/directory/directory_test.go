package directory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/store/redisstore"
)

type fakeProfiles struct {
	profiles map[string]map[string]string
	failOn   string
}

func (f *fakeProfiles) UserProfile(_ context.Context, userID string) (map[string]string, error) {
	if userID == f.failOn {
		return nil, errors.New("boom")
	}
	p, ok := f.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("user profile %s: %w", userID, redisstore.ErrNotFound)
	}
	return p, nil
}

func TestProfiles_SkipsMissingRecords(t *testing.T) {
	d := New(&fakeProfiles{
		profiles: map[string]map[string]string{
			"u1": {"name": "Alice", "email": "alice@example.com"},
			"u3": {"name": "Carol"},
		},
	}, nil)

	// u2's profile record is gone; the rest of the roster still resolves
	got, err := d.Profiles(context.Background(), []string{"u1", "u2", "u3"})
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(got))
	}
	if got[0].ID != "u1" || got[0].Name != "Alice" || got[0].Email != "alice@example.com" {
		t.Fatalf("unexpected first profile: %+v", got[0])
	}
	if got[1].ID != "u3" {
		t.Fatalf("unexpected second profile: %+v", got[1])
	}
}

func TestProfiles_SurfacesStoreErrors(t *testing.T) {
	d := New(&fakeProfiles{
		profiles: map[string]map[string]string{"u1": {"name": "Alice"}},
		failOn:   "u2",
	}, nil)

	if _, err := d.Profiles(context.Background(), []string{"u1", "u2"}); err == nil {
		t.Fatal("expected store error to surface")
	}
}
