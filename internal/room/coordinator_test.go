package room

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/common"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/msglog"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/session"
)

// memStore backs both the coordinator and the message engine in tests.
type memStore struct {
	mu      sync.Mutex
	rooms   map[string]map[string]string
	rosters map[string]map[string]bool
	logs    map[string][][]byte
}

func newMemStore() *memStore {
	return &memStore{
		rooms:   make(map[string]map[string]string),
		rosters: make(map[string]map[string]bool),
		logs:    make(map[string][][]byte),
	}
}

func (s *memStore) RoomMeta(_ context.Context, roomID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.rooms[roomID]))
	for k, v := range s.rooms[roomID] {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) SaveRoomMeta(_ context.Context, roomID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[roomID] == nil {
		s.rooms[roomID] = make(map[string]string)
	}
	for k, v := range fields {
		s.rooms[roomID][k] = fmt.Sprint(v)
	}
	return nil
}

func (s *memStore) RoomIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memStore) AddMember(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rosters[roomID] == nil {
		s.rosters[roomID] = make(map[string]bool)
	}
	s.rosters[roomID][userID] = true
	return nil
}

func (s *memStore) RemoveMember(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rosters[roomID], userID)
	return nil
}

func (s *memStore) Members(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.rosters[roomID] {
		out = append(out, id)
	}
	return out, nil
}

func (s *memStore) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosters[roomID][userID], nil
}

func (s *memStore) AppendMessage(_ context.Context, roomID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[roomID] = append(s.logs[roomID], payload)
	return nil
}

func (s *memStore) MessageCount(_ context.Context, roomID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.logs[roomID])), nil
}

func (s *memStore) MessageRange(_ context.Context, roomID string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[roomID]
	n := int64(len(log))
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	var out []string
	for i := start; i <= stop && i >= 0; i++ {
		out = append(out, string(log[i]))
	}
	return out, nil
}

func (s *memStore) SetMessageAt(_ context.Context, roomID string, index int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[roomID][index] = payload
	return nil
}

type memBroadcast struct {
	mu     sync.Mutex
	events []string            // "room/event"
	subs   map[string][]string // connID -> roomIDs
}

func newMemBroadcast() *memBroadcast {
	return &memBroadcast{subs: make(map[string][]string)}
}

func (b *memBroadcast) Broadcast(roomID, event string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, roomID+"/"+event)
}

func (b *memBroadcast) SubscribeConn(connID, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[connID] = append(b.subs[connID], roomID)
}

func (b *memBroadcast) UnsubscribeConn(connID, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var kept []string
	for _, r := range b.subs[connID] {
		if r != roomID {
			kept = append(kept, r)
		}
	}
	b.subs[connID] = kept
}

type memDirectory struct{}

func (memDirectory) Profiles(_ context.Context, ids []string) ([]session.Profile, error) {
	out := make([]session.Profile, 0, len(ids))
	for _, id := range ids {
		out = append(out, session.Profile{ID: id, Name: "name-" + id})
	}
	return out, nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *memStore, *memBroadcast) {
	t.Helper()
	store := newMemStore()
	bcast := newMemBroadcast()
	engine := msglog.New(store, bcast, msglog.Options{PageSize: 30}, nil)
	c := NewCoordinator(store, engine, bcast, memDirectory{}, nil)
	return c, store, bcast
}

func newSession(userID, connID string) *session.Session {
	return &session.Session{
		UserID:       userID,
		DisplayName:  "name-" + userID,
		ConnectionID: connID,
	}
}

func TestJoin_UnknownRoom(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Join(context.Background(), newSession("u1", "c1"), "missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJoin_WrongPassword(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	roomID, err := c.Create(context.Background(), "u1", "secret room", "hunter2")
	require.NoError(t, err)

	_, err = c.Join(context.Background(), newSession("u2", "c2"), roomID, "wrong")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = c.Join(context.Background(), newSession("u2", "c2"), roomID, "hunter2")
	assert.NoError(t, err)
}

func TestJoin_Redundant_NoOp(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	roomID, _ := c.Create(context.Background(), "u1", "general", "")

	sess := newSession("u1", "c1")
	_, err := c.Join(context.Background(), sess, roomID, "")
	require.NoError(t, err)
	logLen := len(store.logs[roomID])

	// joining the room one is already in must not add messages or members
	view, err := c.Join(context.Background(), sess, roomID, "")
	require.NoError(t, err)
	assert.Len(t, view.Participants, 1)
	assert.Equal(t, logLen, len(store.logs[roomID]))
}

func TestJoin_SwitchRooms_AtMostOneMembership(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	roomA, _ := c.Create(context.Background(), "u1", "a", "")
	roomB, _ := c.Create(context.Background(), "u1", "b", "")

	sess := newSession("u1", "c1")
	_, err := c.Join(context.Background(), sess, roomA, "")
	require.NoError(t, err)
	_, err = c.Join(context.Background(), sess, roomB, "")
	require.NoError(t, err)

	assert.False(t, store.rosters[roomA]["u1"], "must be removed from previous room")
	assert.True(t, store.rosters[roomB]["u1"])
	assert.Equal(t, roomB, sess.CurrentRoom())
}

func TestRosterMatchesJoinLeaveHistory(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	roomID, _ := c.Create(context.Background(), "u0", "prop", "")

	sessions := make(map[string]*session.Session)
	expect := make(map[string]bool)
	ops := []struct {
		user string
		join bool
	}{
		{"u1", true}, {"u2", true}, {"u1", false}, {"u3", true},
		{"u2", false}, {"u2", true}, {"u3", false}, {"u1", true},
	}
	for i, op := range ops {
		sess, ok := sessions[op.user]
		if !ok {
			sess = newSession(op.user, fmt.Sprintf("c%d", i))
			sessions[op.user] = sess
		}
		if op.join {
			_, err := c.Join(context.Background(), sess, roomID, "")
			require.NoError(t, err)
			expect[op.user] = true
		} else {
			c.Leave(context.Background(), sess, ReasonLeave)
			delete(expect, op.user)
		}

		members, _ := store.Members(context.Background(), roomID)
		got := make(map[string]bool, len(members))
		for _, m := range members {
			got[m] = true
		}
		require.Equal(t, expect, got, "roster diverged after op %d", i)
	}
}

func TestLeave_Reasons(t *testing.T) {
	systemContents := func(store *memStore, roomID string) []string {
		var out []string
		for _, raw := range store.logs[roomID] {
			s := string(raw)
			if strings.Contains(s, `"type":"system"`) {
				out = append(out, s)
			}
		}
		return out
	}

	t.Run("explicit leave emits left message", func(t *testing.T) {
		c, store, _ := newTestCoordinator(t)
		roomID, _ := c.Create(context.Background(), "u1", "r", "")
		sess := newSession("u1", "c1")
		_, _ = c.Join(context.Background(), sess, roomID, "")

		c.Leave(context.Background(), sess, ReasonLeave)
		msgs := systemContents(store, roomID)
		require.Len(t, msgs, 2)
		assert.Contains(t, msgs[1], "left the room")
	})

	t.Run("disconnect emits disconnected message", func(t *testing.T) {
		c, store, _ := newTestCoordinator(t)
		roomID, _ := c.Create(context.Background(), "u1", "r", "")
		sess := newSession("u1", "c1")
		_, _ = c.Join(context.Background(), sess, roomID, "")

		c.Leave(context.Background(), sess, ReasonDisconnect)
		msgs := systemContents(store, roomID)
		require.Len(t, msgs, 2)
		assert.Contains(t, msgs[1], "disconnected")
	})

	t.Run("takeover disconnect stays silent", func(t *testing.T) {
		c, store, _ := newTestCoordinator(t)
		roomID, _ := c.Create(context.Background(), "u1", "r", "")
		sess := newSession("u1", "c1")
		_, _ = c.Join(context.Background(), sess, roomID, "")

		c.Leave(context.Background(), sess, ReasonTakeover)
		msgs := systemContents(store, roomID)
		assert.Len(t, msgs, 1, "only the join message should exist")
	})

	t.Run("leave without room is a no-op", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t)
		c.Leave(context.Background(), newSession("u9", "c9"), ReasonLeave)
	})
}

func TestJoinView_IncludesHistoryAndJoinMessage(t *testing.T) {
	// room created by u1; u1 sends m1; u2 joins and reads with no cursor
	c, store, _ := newTestCoordinator(t)
	engine := msglog.New(store, newMemBroadcast(), msglog.Options{PageSize: 30}, nil)

	roomID, _ := c.Create(context.Background(), "u1", "r", "")
	u1 := newSession("u1", "c1")
	_, err := c.Join(context.Background(), u1, roomID, "")
	require.NoError(t, err)

	m1, err := common.NewULID()
	require.NoError(t, err)
	require.NoError(t, engine.Append(context.Background(), msglog.Message{
		ID: m1, RoomID: roomID, SenderID: "u1", Type: msglog.TypeText,
		Content: "hello", Timestamp: time.Now().UnixMilli(),
	}))

	u2 := newSession("u2", "c2")
	view, err := c.Join(context.Background(), u2, roomID, "")
	require.NoError(t, err)

	page, err := engine.Page(context.Background(), "u2", roomID, 0, "", 30)
	require.NoError(t, err)
	assert.False(t, page.HasMore)

	var sawHello, sawJoin bool
	for _, m := range page.Messages {
		if m.ID == m1 && m.Content == "hello" {
			sawHello = true
		}
		if m.Type == msglog.TypeSystem && strings.Contains(m.Content, "name-u2 joined") {
			sawJoin = true
		}
	}
	assert.True(t, sawHello, "m1 missing from first page")
	assert.True(t, sawJoin, "join system message missing from first page")
	assert.Len(t, view.Participants, 2)
}
