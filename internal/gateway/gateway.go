package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/ai"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/aistream"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/common"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/hub"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/msglog"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/room"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/session"
)

const commandTimeout = 10 * time.Second

// command is the client-to-server frame: a type tag plus a type-specific
// payload, mirroring the event envelope going the other way.
type command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Gateway dispatches websocket commands for authenticated sessions. It
// implements the hub's frame handler.
type Gateway struct {
	hub      *hub.Hub
	registry *session.Registry
	rooms    *room.Coordinator
	msgs     *msglog.Engine
	streams  *aistream.Streamer
	log      *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session.Session // connID -> session
}

func New(h *hub.Hub, reg *session.Registry, rooms *room.Coordinator, msgs *msglog.Engine, streams *aistream.Streamer, logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gateway{
		hub:      h,
		registry: reg,
		rooms:    rooms,
		msgs:     msgs,
		streams:  streams,
		log:      logger.WithField("component", "gateway"),
		sessions: make(map[string]*session.Session),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from a separate frontend origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Serve upgrades the request and runs the connection until it closes.
func (g *Gateway) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	g.hub.Attach(conn, g)
}

func (g *Gateway) session(connID string) *session.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[connID]
}

// HandleMessage dispatches one inbound frame. Every command except
// authenticate requires an authenticated session on the connection.
func (g *Gateway) HandleMessage(c *hub.Client, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		g.sendError(c, "error", "malformed command")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if cmd.Type == "authenticate" {
		g.handleAuthenticate(ctx, c, cmd.Data)
		return
	}

	sess := g.session(c.ConnectionID())
	if sess == nil {
		g.sendError(c, "error", "authentication required")
		return
	}

	switch cmd.Type {
	case "joinRoom":
		g.handleJoinRoom(ctx, c, sess, cmd.Data)
	case "leaveRoom":
		g.rooms.Leave(ctx, sess, room.ReasonLeave)
		_ = c.Send("leftRoom", nil)
	case "sendMessage":
		g.handleSendMessage(ctx, c, sess, cmd.Data)
	case "fetchOlderMessages":
		g.handleFetchPrevious(ctx, c, sess, cmd.Data)
	case "addReaction":
		g.handleReaction(ctx, c, sess, cmd.Data, true)
	case "removeReaction":
		g.handleReaction(ctx, c, sess, cmd.Data, false)
	case "forceTakeoverSession":
		g.handleForceTakeover(c, sess, cmd.Data)
	default:
		g.sendError(c, "error", "unknown command: "+cmd.Type)
	}
}

// HandleDisconnect cleans up when the transport drops, whatever the cause.
func (g *Gateway) HandleDisconnect(c *hub.Client) {
	g.mu.Lock()
	sess := g.sessions[c.ConnectionID()]
	delete(g.sessions, c.ConnectionID())
	g.mu.Unlock()
	if sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	reason := room.ReasonDisconnect
	if sess.EndedByTakeover() {
		reason = room.ReasonTakeover
	}
	g.rooms.Leave(ctx, sess, reason)
	g.registry.Deactivate(sess)
}

func (g *Gateway) handleAuthenticate(ctx context.Context, c *hub.Client, data json.RawMessage) {
	var req struct {
		Token      string `json:"token"`
		SessionID  string `json:"sessionId"`
		DeviceInfo string `json:"deviceInfo"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(c, "authError", "malformed authenticate payload")
		return
	}

	meta := session.ClientMeta{
		DeviceInfo: req.DeviceInfo,
		IPAddress:  c.RemoteAddr(),
		Timestamp:  time.Now().UnixMilli(),
	}
	sess, err := g.registry.Authenticate(ctx, c, req.Token, req.SessionID, meta)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrBadToken):
			g.sendError(c, "authError", "invalid or expired token")
		case errors.Is(err, session.ErrStaleSession):
			g.sendError(c, "authError", "session is no longer valid, log in again")
		case errors.Is(err, session.ErrUnknownUser):
			g.sendError(c, "authError", "user not found")
		default:
			g.log.WithError(err).Warn("authenticate failed")
			g.sendError(c, "authError", "authentication failed")
		}
		return
	}

	g.mu.Lock()
	g.sessions[c.ConnectionID()] = sess
	g.mu.Unlock()

	_ = c.Send("authenticated", map[string]any{
		"userId": sess.UserID,
		"name":   sess.DisplayName,
	})
}

func (g *Gateway) handleJoinRoom(ctx context.Context, c *hub.Client, sess *session.Session, data json.RawMessage) {
	var req struct {
		RoomID   string `json:"roomId"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		g.sendError(c, "joinError", "malformed join payload")
		return
	}

	view, err := g.rooms.Join(ctx, sess, req.RoomID, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, room.ErrNotFound):
			g.sendError(c, "joinError", "room not found")
		case errors.Is(err, room.ErrForbidden):
			g.sendError(c, "joinError", "wrong password")
		default:
			g.log.WithError(err).WithField("room_id", req.RoomID).Warn("join failed")
			g.sendError(c, "joinError", "could not join room")
		}
		return
	}

	active, err := g.streams.ActiveSessions(ctx, req.RoomID)
	if err != nil {
		g.log.WithError(err).WithField("room_id", req.RoomID).Warn("active stream lookup failed")
	}
	_ = c.Send("joinedRoom", map[string]any{
		"room":          view.Room,
		"participants":  view.Participants,
		"messages":      view.Messages,
		"activeStreams": active,
	})
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *hub.Client, sess *session.Session, data json.RawMessage) {
	var req struct {
		Content string          `json:"content"`
		Type    string          `json:"type"`
		File    json.RawMessage `json:"file"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.Content == "" && len(req.File) == 0 {
		g.sendError(c, "messageError", "malformed message payload")
		return
	}
	roomID := sess.CurrentRoom()
	if roomID == "" {
		g.sendError(c, "messageError", "join a room first")
		return
	}

	msgType := req.Type
	if msgType == "" {
		msgType = msglog.TypeText
	}
	id, err := common.NewULID()
	if err != nil {
		g.sendError(c, "messageError", "could not create message")
		return
	}
	m := msglog.Message{
		ID:        id,
		RoomID:    roomID,
		SenderID:  sess.UserID,
		Type:      msgType,
		Content:   req.Content,
		Timestamp: time.Now().UnixMilli(),
		File:      req.File,
	}
	if err := g.msgs.Append(ctx, m); err != nil {
		if errors.Is(err, msglog.ErrNotMember) {
			g.sendError(c, "messageError", "not a member of this room")
		} else {
			g.log.WithError(err).WithField("room_id", roomID).Warn("message append failed")
			g.sendError(c, "messageError", "could not send message")
		}
		return
	}

	if persona, query, ok := ai.ExtractMention(req.Content); ok {
		if _, err := g.streams.StartStream(ctx, roomID, persona, query); err != nil {
			g.log.WithError(err).WithField("room_id", roomID).Warn("ai stream start failed")
			g.sendError(c, "aiStreamError", "assistant is unavailable")
		}
	}
}

func (g *Gateway) handleFetchPrevious(ctx context.Context, c *hub.Client, sess *session.Session, data json.RawMessage) {
	var req struct {
		Before   int64  `json:"before"`
		BeforeID string `json:"beforeId"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(c, "messageLoadError", "malformed pagination payload")
		return
	}
	roomID := sess.CurrentRoom()
	if roomID == "" {
		g.sendError(c, "messageLoadError", "join a room first")
		return
	}

	page, err := g.msgs.Page(ctx, sess.UserID, roomID, req.Before, req.BeforeID, req.Limit)
	if err != nil {
		switch {
		case errors.Is(err, msglog.ErrInFlight):
			// a load is already running for this user; drop silently so the
			// earlier request's response is not duplicated
		case errors.Is(err, msglog.ErrLoadTimeout):
			g.sendError(c, "messageLoadError", "message load timed out, try again")
		case errors.Is(err, msglog.ErrNotMember):
			g.sendError(c, "messageLoadError", "not a member of this room")
		default:
			g.log.WithError(err).WithField("room_id", roomID).Warn("page load failed")
			g.sendError(c, "messageLoadError", "could not load messages")
		}
		return
	}

	_ = c.Send("previousMessagesLoaded", page)
}

func (g *Gateway) handleReaction(ctx context.Context, c *hub.Client, sess *session.Session, data json.RawMessage, add bool) {
	var req struct {
		MessageID string `json:"messageId"`
		Emoji     string `json:"emoji"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.MessageID == "" || req.Emoji == "" {
		g.sendError(c, "reactionError", "malformed reaction payload")
		return
	}
	roomID := sess.CurrentRoom()
	if roomID == "" {
		g.sendError(c, "reactionError", "join a room first")
		return
	}

	if _, err := g.msgs.React(ctx, roomID, req.MessageID, req.Emoji, sess.UserID, add); err != nil {
		if errors.Is(err, msglog.ErrMessageNotFound) {
			g.sendError(c, "reactionError", "message not found")
		} else {
			g.log.WithError(err).WithField("room_id", roomID).Warn("reaction failed")
			g.sendError(c, "reactionError", "could not update reaction")
		}
	}
}

func (g *Gateway) handleForceTakeover(c *hub.Client, sess *session.Session, data json.RawMessage) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.Token == "" {
		g.sendError(c, "takeoverError", "malformed takeover payload")
		return
	}
	if err := g.registry.ForceTakeover(sess, req.Token); err != nil {
		g.sendError(c, "takeoverError", "takeover rejected")
		return
	}
	_ = c.Send("sessionTakeoverComplete", nil)
}

func (g *Gateway) sendError(c *hub.Client, event, message string) {
	_ = c.Send(event, map[string]any{"message": message})
}
