package reconcile

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/models"
)

// Source is the slice of the shared store the reconciler reads. It never
// writes back: the hot store stays authoritative for live traffic.
type Source interface {
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	ListAll(ctx context.Context, key string) ([]string, error)
	SetMembers(ctx context.Context, key string) ([]string, error)
	Prefix() string
}

// Scheduler periodically sweeps the shared store into the durable one:
// users, then rooms, then each room's message log. Every write is an
// idempotent upsert, so overlapping or repeated runs converge.
type Scheduler struct {
	src      Source
	repo     *Repo
	interval time.Duration
	log      *logrus.Entry
}

func NewScheduler(src Source, repo *Repo, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		src:      src,
		repo:     repo,
		interval: interval,
		log:      logger.WithField("component", "reconcile"),
	}
}

// Run executes one cycle immediately, then one per interval until the
// context is canceled. A failed cycle is logged and retried at the next tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.WithError(err).Error("reconcile cycle failed")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a full sweep.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	users, err := s.sweepUsers(ctx)
	if err != nil {
		return err
	}
	resolve, err := s.senderResolver(ctx, users)
	if err != nil {
		return err
	}
	roomIDs, err := s.sweepRooms(ctx)
	if err != nil {
		return err
	}
	msgCount := 0
	for _, roomID := range roomIDs {
		n, err := s.sweepMessages(ctx, roomID, resolve)
		if err != nil {
			return err
		}
		msgCount += n
	}

	s.log.WithFields(logrus.Fields{
		"users":    len(users),
		"rooms":    len(roomIDs),
		"messages": msgCount,
		"took":     time.Since(start).String(),
	}).Info("reconcile cycle done")
	return nil
}

func (s *Scheduler) sweepUsers(ctx context.Context) ([]models.User, error) {
	keys, err := s.src.ScanKeys(ctx, s.src.Prefix()+"user:*:profile")
	if err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(keys))
	for _, key := range keys {
		id := keyPart(key, s.src.Prefix()+"user:", ":profile")
		if id == "" {
			continue
		}
		fields, err := s.src.HashGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		u := models.User{
			ID:           id,
			Name:         fields["name"],
			Email:        strings.ToLower(strings.TrimSpace(fields["email"])),
			ProfileImage: fields["profile_image"],
		}
		if legacy, err := strconv.ParseUint(fields["legacy_id"], 10, 64); err == nil {
			u.LegacyID = &legacy
		}
		users = append(users, u)
	}
	return users, s.repo.UpsertUsers(ctx, users)
}

// senderResolver maps whatever the log recorded as the sender back to a
// durable user id: the id itself, an email, or a legacy numeric id. Senders
// that resolve to nothing are cleared rather than guessed.
func (s *Scheduler) senderResolver(ctx context.Context, swept []models.User) (func(string) *string, error) {
	byID, byEmail, byLegacy, err := s.repo.UserKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range swept {
		byID[u.ID] = true
		if u.Email != "" {
			byEmail[u.Email] = u.ID
		}
		if u.LegacyID != nil {
			byLegacy[*u.LegacyID] = u.ID
		}
	}

	return func(raw string) *string {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
		if byID[raw] {
			return &raw
		}
		if strings.Contains(raw, "@") {
			if id, ok := byEmail[strings.ToLower(raw)]; ok {
				return &id
			}
			return nil
		}
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			if id, ok := byLegacy[n]; ok {
				return &id
			}
		}
		return nil
	}, nil
}

func (s *Scheduler) sweepRooms(ctx context.Context) ([]string, error) {
	keys, err := s.src.ScanKeys(ctx, s.src.Prefix()+"room:*:meta")
	if err != nil {
		return nil, err
	}
	rooms := make([]models.Room, 0, len(keys))
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := keyPart(key, s.src.Prefix()+"room:", ":meta")
		if id == "" {
			continue
		}
		fields, err := s.src.HashGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		// current membership lives in the roster set; the meta field only
		// carries shapes imported from older deployments
		members, err := s.src.SetMembers(ctx, s.src.Prefix()+"room:"+id+":members")
		if err != nil {
			return nil, err
		}
		participants, _ := json.Marshal(cleanIDs(append(ParseIDList(fields["participants"]), members...)))
		room := models.Room{
			ID:           id,
			Name:         fields["name"],
			CreatorID:    fields["creator"],
			Participants: string(participants),
		}
		if hash := fields["password"]; hash != "" {
			room.PasswordHash = &hash
		}
		rooms = append(rooms, room)
		ids = append(ids, id)
	}
	return ids, s.repo.UpsertRooms(ctx, rooms)
}

func (s *Scheduler) sweepMessages(ctx context.Context, roomID string, resolve func(string) *string) (int, error) {
	entries, err := s.src.ListAll(ctx, s.src.Prefix()+"room:"+roomID+":messages")
	if err != nil {
		return 0, err
	}
	msgs := make([]models.Message, 0, len(entries))
	for _, raw := range entries {
		m, ok := s.normalizeMessage(roomID, raw, resolve)
		if !ok {
			continue
		}
		msgs = append(msgs, m)
	}
	return len(msgs), s.repo.UpsertMessages(ctx, msgs)
}

// normalizeMessage turns one log entry into a durable row, tolerating every
// legacy field shape. An entry without a usable id is skipped entirely.
func (s *Scheduler) normalizeMessage(roomID, raw string, resolve func(string) *string) (models.Message, bool) {
	var loose map[string]any
	if err := json.Unmarshal([]byte(raw), &loose); err != nil {
		s.log.WithField("room_id", roomID).Warn("skipping undecodable log entry")
		return models.Message{}, false
	}
	id, _ := loose["id"].(string)
	if id == "" {
		s.log.WithField("room_id", roomID).Warn("skipping log entry without id")
		return models.Message{}, false
	}

	msgType, _ := loose["type"].(string)
	if msgType == "" {
		msgType = "text"
	}
	content, _ := loose["content"].(string)

	m := models.Message{
		ID:      id,
		RoomID:  roomID,
		Type:    msgType,
		Content: content,
		SentAt:  ParseTimestamp(loose["timestamp"]),
	}

	if sender, _ := loose["sender"].(string); sender != "" {
		m.SenderID = resolve(sender)
	}

	var reactions map[string][]string
	switch v := loose["reactions"].(type) {
	case string:
		reactions = ParseReactions(v)
	case map[string]any:
		encoded, err := json.Marshal(v)
		if err == nil {
			reactions = ParseReactions(string(encoded))
		}
	}
	if len(reactions) > 0 {
		encoded, err := json.Marshal(reactions)
		if err == nil {
			m.Reactions = string(encoded)
		}
	}
	return m, true
}

func keyPart(key, prefix, suffix string) string {
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return ""
	}
	return key[len(prefix) : len(key)-len(suffix)]
}
