package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrBadToken     = errors.New("session: invalid or expired token")
	ErrStaleSession = errors.New("session: stale or unknown client session")
	ErrUnknownUser  = errors.New("session: user record not found")
)

// Conn is the transport handle the registry needs: enough to notify a
// connection and to force it closed. The websocket client implements it.
type Conn interface {
	ConnectionID() string
	Send(event string, data any) error
	Close()
}

// ClientMeta is the coarse metadata shown to the prior connection when a
// conflicting login arrives.
type ClientMeta struct {
	DeviceInfo string `json:"deviceInfo"`
	IPAddress  string `json:"ipAddress"`
	Timestamp  int64  `json:"timestamp"`
}

// Session is one authenticated connection, owned by this gateway instance.
type Session struct {
	UserID        string
	DisplayName   string
	ProfileImage  string
	SessionToken  string
	ConnectionID  string
	Conn          Conn

	mu              sync.Mutex
	currentRoom     string
	endedByTakeover bool
}

func (s *Session) CurrentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRoom
}

func (s *Session) SetCurrentRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRoom = roomID
}

// EndedByTakeover reports whether this session was closed by duplicate-login
// arbitration. The room coordinator uses it to suppress the "left" system
// message, since the user's presence continues on the new connection.
func (s *Session) EndedByTakeover() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedByTakeover
}

func (s *Session) markEndedByTakeover() {
	s.mu.Lock()
	s.endedByTakeover = true
	s.mu.Unlock()
}

// TokenVerifier validates a bearer token and returns the user id.
type TokenVerifier func(token string) (string, error)

// SessionStore resolves the server-recorded active client session id.
type SessionStore interface {
	ActiveSession(ctx context.Context, userID string) (string, error)
}

type Profile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	ProfileImage string `json:"profileImage"`
}

// Directory resolves user ids to display profiles.
type Directory interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// arbitration states for one user's connections on this instance
type entry struct {
	active  *Session
	pending *Session
	timer   *time.Timer
}

// Registry tracks authenticated user -> active connection for this gateway
// instance and arbitrates duplicate logins: a conflicting login warns the
// prior connection, then closes it after a grace window; a force takeover
// closes it immediately. Authority is per-instance; the shared store only
// backs the stale-session check.
type Registry struct {
	verify TokenVerifier
	store  SessionStore
	dir    Directory
	grace  time.Duration
	log    *logrus.Entry

	mu    sync.Mutex
	users map[string]*entry
}

func NewRegistry(verify TokenVerifier, store SessionStore, dir Directory, grace time.Duration, logger *logrus.Logger) *Registry {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		verify: verify,
		store:  store,
		dir:    dir,
		grace:  grace,
		log:    logger.WithField("component", "session"),
		users:  make(map[string]*entry),
	}
}

// Authenticate validates the bearer token and client session id, resolves
// the user profile, and registers the connection. If another connection is
// already active for the user, that connection is warned and a grace timer
// armed; the new connection is usable right away.
func (r *Registry) Authenticate(ctx context.Context, conn Conn, bearerToken, clientSessionID string, meta ClientMeta) (*Session, error) {
	userID, err := r.verify(bearerToken)
	if err != nil {
		return nil, ErrBadToken
	}

	recorded, err := r.store.ActiveSession(ctx, userID)
	if err != nil {
		r.log.WithError(err).WithField("user_id", userID).Warn("active session lookup failed")
		return nil, ErrStaleSession
	}
	if recorded == "" || recorded != clientSessionID {
		return nil, ErrStaleSession
	}

	profile, err := r.dir.Profile(ctx, userID)
	if err != nil {
		return nil, ErrUnknownUser
	}

	sess := &Session{
		UserID:       userID,
		DisplayName:  profile.Name,
		ProfileImage: profile.ProfileImage,
		SessionToken: clientSessionID,
		ConnectionID: conn.ConnectionID(),
		Conn:         conn,
	}

	r.mu.Lock()
	e := r.users[userID]
	if e == nil {
		r.users[userID] = &entry{active: sess}
		r.mu.Unlock()
		return sess, nil
	}

	// A third login while a conflict is pending: the newest contender wins
	// the pending slot, the displaced one is closed right away.
	displaced := e.pending
	e.pending = sess
	prior := e.active
	if e.timer == nil {
		connID := sess.ConnectionID
		e.timer = time.AfterFunc(r.grace, func() { r.expireGrace(userID, connID) })
	} else {
		// re-arm for the new contender
		e.timer.Stop()
		connID := sess.ConnectionID
		e.timer = time.AfterFunc(r.grace, func() { r.expireGrace(userID, connID) })
	}
	r.mu.Unlock()

	if displaced != nil {
		r.terminate(displaced, "duplicate_login")
	}
	if meta.Timestamp == 0 {
		meta.Timestamp = time.Now().UnixMilli()
	}
	if err := prior.Conn.Send("duplicateLoginWarning", meta); err != nil {
		r.log.WithError(err).WithField("user_id", userID).Warn("duplicate login warning not delivered")
	}
	return sess, nil
}

// expireGrace runs when the grace window elapses: the prior connection is
// told its session ended and closed, and the contender becomes sole active.
func (r *Registry) expireGrace(userID, pendingConnID string) {
	r.mu.Lock()
	e := r.users[userID]
	if e == nil || e.pending == nil || e.pending.ConnectionID != pendingConnID {
		r.mu.Unlock()
		return // resolved some other way; timer is stale
	}
	prior := e.active
	e.active = e.pending
	e.pending = nil
	e.timer = nil
	r.mu.Unlock()

	r.terminate(prior, "duplicate_login")
}

// ForceTakeover immediately ends the prior connection, skipping the grace
// window. The caller must present a freshly issued token for the same user.
func (r *Registry) ForceTakeover(sess *Session, freshToken string) error {
	userID, err := r.verify(freshToken)
	if err != nil {
		return ErrBadToken
	}
	if userID != sess.UserID {
		return ErrBadToken
	}

	r.mu.Lock()
	e := r.users[userID]
	if e == nil || e.pending != sess {
		r.mu.Unlock()
		return nil // nothing to take over; idempotent
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	prior := e.active
	e.active = sess
	e.pending = nil
	r.mu.Unlock()

	r.terminate(prior, "session_ended_by_new_login")
	return nil
}

// Deactivate removes a connection from the registry. If the departing
// connection was the active one and a contender is waiting, the contender is
// promoted without any forced closure.
func (r *Registry) Deactivate(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.users[sess.UserID]
	if e == nil {
		return
	}
	switch {
	case e.pending == sess:
		e.pending = nil
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	case e.active == sess:
		if e.pending != nil {
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
			e.active = e.pending
			e.pending = nil
		} else {
			delete(r.users, sess.UserID)
		}
	}
}

// Lookup returns the active session for a user on this instance, if any.
func (r *Registry) Lookup(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.users[userID]; e != nil {
		return e.active
	}
	return nil
}

func (r *Registry) terminate(s *Session, reason string) {
	s.markEndedByTakeover()
	if err := s.Conn.Send("sessionEnded", map[string]any{"reason": reason}); err != nil {
		r.log.WithError(err).WithField("user_id", s.UserID).Debug("session end notice not delivered")
	}
	s.Conn.Close()
}
