package common

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var ulidMu sync.Mutex

// NewULID returns a lexicographically sortable id. Used for messages and
// rooms so that the durable store keys sort by creation time.
func NewULID() (string, error) {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewUUID returns a random id for ephemeral things (connections, streams).
func NewUUID() string {
	return uuid.NewString()
}
