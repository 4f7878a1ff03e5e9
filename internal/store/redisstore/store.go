package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key that should exist is missing.
var ErrNotFound = errors.New("redisstore: not found")

// Store wraps the shared low-latency state reachable by every gateway
// instance. It deliberately exposes primitive-shaped operations; schema
// interpretation (and defensive parsing of legacy shapes) is the caller's
// problem.
type Store struct {
	client *redis.Client
	prefix string
	logCap int64
}

func New(client *redis.Client, prefix string, logCap int) *Store {
	if client == nil {
		panic("redisstore: client cannot be nil")
	}
	if prefix == "" {
		prefix = "chat:"
	}
	if logCap <= 0 {
		logCap = 10000
	}
	return &Store{client: client, prefix: prefix, logCap: int64(logCap)}
}

func (s *Store) Prefix() string { return s.prefix }

// --- key helpers ---

func (s *Store) roomMetaKey(roomID string) string { return fmt.Sprintf("%sroom:%s:meta", s.prefix, roomID) }
func (s *Store) roomMembersKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:members", s.prefix, roomID)
}
func (s *Store) roomMessagesKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:messages", s.prefix, roomID)
}
func (s *Store) roomStreamsKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:streams", s.prefix, roomID)
}
func (s *Store) roomReadKey(roomID, userID string) string {
	return fmt.Sprintf("%sroom:%s:read:%s", s.prefix, roomID, userID)
}
func (s *Store) roomIndexKey() string { return s.prefix + "rooms" }
func (s *Store) userProfileKey(userID string) string {
	return fmt.Sprintf("%suser:%s:profile", s.prefix, userID)
}
func (s *Store) userEmailKey(email string) string {
	return fmt.Sprintf("%suser:email:%s", s.prefix, email)
}
func (s *Store) userSessionKey(userID string) string {
	return fmt.Sprintf("%suser:%s:session", s.prefix, userID)
}

// RoomChannel is the pubsub channel carrying broadcast events for a room.
func (s *Store) RoomChannel(roomID string) string {
	return fmt.Sprintf("%sroom:%s:events", s.prefix, roomID)
}

// --- rooms ---

func (s *Store) SaveRoomMeta(ctx context.Context, roomID string, fields map[string]any) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.roomMetaKey(roomID), fields)
	pipe.SAdd(ctx, s.roomIndexKey(), roomID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redisstore: save room %s: %w", roomID, err)
	}
	return nil
}

// RoomMeta returns the room hash. A missing room yields an empty map, not
// an error, mirroring HGETALL semantics.
func (s *Store) RoomMeta(ctx context.Context, roomID string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, s.roomMetaKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: room meta %s: %w", roomID, err)
	}
	return m, nil
}

func (s *Store) RoomIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.roomIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: room index: %w", err)
	}
	return ids, nil
}

func (s *Store) AddMember(ctx context.Context, roomID, userID string) error {
	return s.client.SAdd(ctx, s.roomMembersKey(roomID), userID).Err()
}

func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	return s.client.SRem(ctx, s.roomMembersKey(roomID), userID).Err()
}

func (s *Store) Members(ctx context.Context, roomID string) ([]string, error) {
	return s.client.SMembers(ctx, s.roomMembersKey(roomID)).Result()
}

func (s *Store) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	return s.client.SIsMember(ctx, s.roomMembersKey(roomID), userID).Result()
}

// --- message log ---

// AppendMessage pushes a serialized message at the tail of the room log and
// trims the head so the hot log stays bounded. Append order is the
// authoritative order for the room.
func (s *Store) AppendMessage(ctx context.Context, roomID string, payload []byte) error {
	key := s.roomMessagesKey(roomID)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -s.logCap, -1)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redisstore: append message to %s: %w", roomID, err)
	}
	return nil
}

func (s *Store) MessageCount(ctx context.Context, roomID string) (int64, error) {
	return s.client.LLen(ctx, s.roomMessagesKey(roomID)).Result()
}

func (s *Store) MessageRange(ctx context.Context, roomID string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, s.roomMessagesKey(roomID), start, stop).Result()
}

func (s *Store) SetMessageAt(ctx context.Context, roomID string, index int64, payload []byte) error {
	return s.client.LSet(ctx, s.roomMessagesKey(roomID), index, payload).Err()
}

// --- streaming sessions ---

func (s *Store) PutStream(ctx context.Context, roomID, streamID string, payload []byte) error {
	return s.client.HSet(ctx, s.roomStreamsKey(roomID), streamID, payload).Err()
}

func (s *Store) DropStream(ctx context.Context, roomID, streamID string) error {
	return s.client.HDel(ctx, s.roomStreamsKey(roomID), streamID).Err()
}

func (s *Store) Streams(ctx context.Context, roomID string) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.roomStreamsKey(roomID)).Result()
}

func (s *Store) ClearStreams(ctx context.Context, roomID string) error {
	return s.client.Del(ctx, s.roomStreamsKey(roomID)).Err()
}

// --- users & sessions ---

func (s *Store) SaveUserProfile(ctx context.Context, userID string, fields map[string]any) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.userProfileKey(userID), fields)
	if email, ok := fields["email"].(string); ok && email != "" {
		pipe.Set(ctx, s.userEmailKey(email), userID, 0)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redisstore: save user %s: %w", userID, err)
	}
	return nil
}

func (s *Store) UserProfile(ctx context.Context, userID string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, s.userProfileKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: user profile %s: %w", userID, err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

func (s *Store) UserIDByEmail(ctx context.Context, email string) (string, error) {
	id, err := s.client.Get(ctx, s.userEmailKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return id, err
}

func (s *Store) SetActiveSession(ctx context.Context, userID, clientSessionID string) error {
	return s.client.Set(ctx, s.userSessionKey(userID), clientSessionID, 0).Err()
}

func (s *Store) ActiveSession(ctx context.Context, userID string) (string, error) {
	v, err := s.client.Get(ctx, s.userSessionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

// --- read state ---

func (s *Store) MarkRead(ctx context.Context, roomID, userID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	members := make([]any, 0, len(messageIDs))
	for _, id := range messageIDs {
		members = append(members, id)
	}
	return s.client.SAdd(ctx, s.roomReadKey(roomID, userID), members...).Err()
}

// --- broadcast ---

func (s *Store) PublishEvent(ctx context.Context, roomID string, payload []byte) error {
	return s.client.Publish(ctx, s.RoomChannel(roomID), payload).Err()
}

func (s *Store) SubscribeRoom(ctx context.Context, roomID string) *redis.PubSub {
	return s.client.Subscribe(ctx, s.RoomChannel(roomID))
}

// --- generic scans (reconciler) ---

func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *Store) ListAll(ctx context.Context, key string) ([]string, error) {
	return s.client.LRange(ctx, key, 0, -1).Result()
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}
