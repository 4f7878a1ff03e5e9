package room

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/auth"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/common"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/msglog"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/session"
)

var (
	ErrNotFound  = errors.New("room: not found")
	ErrForbidden = errors.New("room: wrong password")
)

// LeaveReason distinguishes why a connection departs a room. Takeover means
// the transport died because duplicate-login arbitration closed it; the user
// logically stays, so no "left" message is emitted.
type LeaveReason int

const (
	ReasonLeave LeaveReason = iota
	ReasonSwitch
	ReasonDisconnect
	ReasonTakeover
)

// StateStore is the slice of the shared store the coordinator mutates. The
// roster set is the sole authority for room access.
type StateStore interface {
	RoomMeta(ctx context.Context, roomID string) (map[string]string, error)
	SaveRoomMeta(ctx context.Context, roomID string, fields map[string]any) error
	RoomIDs(ctx context.Context) ([]string, error)
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	Members(ctx context.Context, roomID string) ([]string, error)
}

// Broadcaster delivers events to a room and manages which connections are
// subscribed to its channel.
type Broadcaster interface {
	Broadcast(roomID, event string, data any)
	SubscribeConn(connID, roomID string)
	UnsubscribeConn(connID, roomID string)
}

// Directory resolves user ids to display profiles.
type Directory interface {
	Profiles(ctx context.Context, userIDs []string) ([]session.Profile, error)
}

// StreamCleaner drops leftover streaming-session records for a room.
type StreamCleaner interface {
	CleanupRoom(ctx context.Context, roomID string) error
}

type Info struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatorID string `json:"creatorId"`
	HasPass   bool   `json:"hasPassword"`
	CreatedAt int64  `json:"createdAt"`
}

type Summary struct {
	Info
	ParticipantCount int `json:"participantCount"`
}

// View is what a joiner gets back: the room, the resolved roster, and the
// newest page of messages.
type View struct {
	Room         Info              `json:"room"`
	Participants []session.Profile `json:"participants"`
	Messages     *msglog.Page      `json:"messages"`
}

// Coordinator owns join/leave. A connection belongs to at most one room at a
// time; switching rooms is leave-then-join, never both.
type Coordinator struct {
	store   StateStore
	engine  *msglog.Engine
	bcast   Broadcaster
	dir     Directory
	streams StreamCleaner
	log     *logrus.Entry
}

func NewCoordinator(store StateStore, engine *msglog.Engine, bcast Broadcaster, dir Directory, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Coordinator{
		store:  store,
		engine: engine,
		bcast:  bcast,
		dir:    dir,
		log:    logger.WithField("component", "room"),
	}
}

// SetStreamCleaner wires the AI broadcaster's cleanup hook.
func (c *Coordinator) SetStreamCleaner(s StreamCleaner) { c.streams = s }

// Create writes a new room record to the shared store and returns its id.
func (c *Coordinator) Create(ctx context.Context, creatorID, name, password string) (string, error) {
	roomID, err := common.NewULID()
	if err != nil {
		return "", err
	}
	fields := map[string]any{
		"id":         roomID,
		"name":       name,
		"creator":    creatorID,
		"created_at": time.Now().UnixMilli(),
	}
	if password != "" {
		hash, err := auth.HashPassword(password)
		if err != nil {
			return "", err
		}
		fields["password"] = hash
	}
	if err := c.store.SaveRoomMeta(ctx, roomID, fields); err != nil {
		return "", err
	}
	return roomID, nil
}

// List returns every known room with its current participant count.
func (c *Coordinator) List(ctx context.Context) ([]Summary, error) {
	ids, err := c.store.RoomIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		meta, err := c.store.RoomMeta(ctx, id)
		if err != nil || len(meta) == 0 {
			continue
		}
		members, err := c.store.Members(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, Summary{Info: infoFromMeta(id, meta), ParticipantCount: len(members)})
	}
	return out, nil
}

// Join admits a session into a room. Joining the current room is a no-op
// that just rebuilds the view. If the session is in a different room it is
// removed from that roster first.
func (c *Coordinator) Join(ctx context.Context, sess *session.Session, roomID, password string) (*View, error) {
	meta, err := c.store.RoomMeta(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("room: load %s: %w", roomID, err)
	}
	if len(meta) == 0 {
		return nil, ErrNotFound
	}
	if hash := meta["password"]; hash != "" && !auth.CheckPassword(password, hash) {
		return nil, ErrForbidden
	}

	if cur := sess.CurrentRoom(); cur == roomID {
		return c.buildView(ctx, roomID, meta)
	} else if cur != "" {
		c.leave(ctx, sess, cur, ReasonSwitch)
	}

	if err := c.store.AddMember(ctx, roomID, sess.UserID); err != nil {
		return nil, fmt.Errorf("room: add member: %w", err)
	}
	sess.SetCurrentRoom(roomID)
	c.bcast.SubscribeConn(sess.ConnectionID, roomID)

	c.appendSystem(ctx, roomID, fmt.Sprintf("%s joined the room.", sess.DisplayName))
	c.broadcastRoster(ctx, roomID)

	return c.buildView(ctx, roomID, meta)
}

// Leave removes the session from its current room, if any. Safe to call
// redundantly and on sessions that never joined a room.
func (c *Coordinator) Leave(ctx context.Context, sess *session.Session, reason LeaveReason) {
	roomID := sess.CurrentRoom()
	if roomID == "" {
		return
	}
	sess.SetCurrentRoom("")
	c.leave(ctx, sess, roomID, reason)
}

func (c *Coordinator) leave(ctx context.Context, sess *session.Session, roomID string, reason LeaveReason) {
	if err := c.store.RemoveMember(ctx, roomID, sess.UserID); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "user_id": sess.UserID}).
			Warn("roster removal failed")
	}
	c.bcast.UnsubscribeConn(sess.ConnectionID, roomID)

	switch reason {
	case ReasonLeave, ReasonSwitch:
		c.appendSystem(ctx, roomID, fmt.Sprintf("%s left the room.", sess.DisplayName))
	case ReasonDisconnect:
		c.appendSystem(ctx, roomID, fmt.Sprintf("%s disconnected.", sess.DisplayName))
	case ReasonTakeover:
		// presence continues on the new connection; stay quiet
	}

	c.broadcastRoster(ctx, roomID)

	members, err := c.store.Members(ctx, roomID)
	if err == nil && len(members) == 0 && c.streams != nil {
		if err := c.streams.CleanupRoom(ctx, roomID); err != nil {
			c.log.WithError(err).WithField("room_id", roomID).Warn("stream cleanup failed")
		}
	}
}

func (c *Coordinator) appendSystem(ctx context.Context, roomID, content string) {
	id, err := common.NewULID()
	if err != nil {
		c.log.WithError(err).Warn("system message id generation failed")
		return
	}
	err = c.engine.Append(ctx, msglog.Message{
		ID:        id,
		RoomID:    roomID,
		Type:      msglog.TypeSystem,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		c.log.WithError(err).WithField("room_id", roomID).Warn("system message append failed")
	}
}

func (c *Coordinator) broadcastRoster(ctx context.Context, roomID string) {
	members, err := c.store.Members(ctx, roomID)
	if err != nil {
		c.log.WithError(err).WithField("room_id", roomID).Warn("roster load failed")
		return
	}
	profiles, err := c.dir.Profiles(ctx, members)
	if err != nil {
		c.log.WithError(err).WithField("room_id", roomID).Warn("roster profile resolution failed")
		return
	}
	c.bcast.Broadcast(roomID, "participantsChanged", map[string]any{"participants": profiles})
}

func (c *Coordinator) buildView(ctx context.Context, roomID string, meta map[string]string) (*View, error) {
	members, err := c.store.Members(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("room: roster: %w", err)
	}
	profiles, err := c.dir.Profiles(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("room: profiles: %w", err)
	}
	page, err := c.engine.Recent(ctx, roomID, 0)
	if err != nil {
		return nil, fmt.Errorf("room: recent messages: %w", err)
	}
	return &View{Room: infoFromMeta(roomID, meta), Participants: profiles, Messages: page}, nil
}

func infoFromMeta(roomID string, meta map[string]string) Info {
	createdAt, _ := strconv.ParseInt(meta["created_at"], 10, 64)
	return Info{
		ID:        roomID,
		Name:      meta["name"],
		CreatorID: meta["creator"],
		HasPass:   meta["password"] != "",
		CreatedAt: createdAt,
	}
}
