package aistream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/ai"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/common"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/msglog"
)

// StreamStore keeps the shared record of in-progress streams so a joining
// client can learn about generations started before it arrived.
type StreamStore interface {
	PutStream(ctx context.Context, roomID, streamID string, payload []byte) error
	DropStream(ctx context.Context, roomID, streamID string) error
	Streams(ctx context.Context, roomID string) (map[string]string, error)
	ClearStreams(ctx context.Context, roomID string) error
}

// Events fans stream events out to a room's subscribers.
type Events interface {
	Broadcast(roomID, event string, data any)
}

// Session is the persisted record of one in-progress generation. The
// accumulated content is kept current so a member joining mid-stream sees
// what has been generated so far instead of a gap.
type Session struct {
	StreamID           string `json:"streamId"`
	RoomID             string `json:"roomId"`
	Persona            string `json:"persona"`
	AccumulatedContent string `json:"accumulatedContent"`
	StartedAt          int64  `json:"startedAt"`    // unix millis
	LastUpdateAt       int64  `json:"lastUpdateAt"` // unix millis
}

type Options struct {
	Provider      string
	Model         string
	StreamTimeout time.Duration
}

// Streamer runs AI generations addressed to a room. A stream is owned by the
// room, not by the asking connection: generation continues and the result is
// logged even if the asker disconnects mid-stream.
type Streamer struct {
	reg   *ai.Registry
	msgs  *msglog.Engine
	store StreamStore
	bcast Events
	opts  Options
	log   *logrus.Entry
}

func New(reg *ai.Registry, msgs *msglog.Engine, store StreamStore, bcast Events, opts Options, logger *logrus.Logger) *Streamer {
	if opts.Provider == "" {
		opts.Provider = "ollama"
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 3 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Streamer{
		reg:   reg,
		msgs:  msgs,
		store: store,
		bcast: bcast,
		opts:  opts,
		log:   logger.WithField("component", "aistream"),
	}
}

// StartStream kicks off a generation for the room and returns the stream id.
// The generation runs on its own context, detached from the caller's.
func (s *Streamer) StartStream(ctx context.Context, roomID string, persona ai.Persona, query string) (string, error) {
	provider, err := s.reg.Get(ctx, s.opts.Provider, s.opts.Model)
	if err != nil {
		return "", fmt.Errorf("aistream: %w", err)
	}

	streamID := common.NewUUID()
	now := time.Now().UnixMilli()
	sess := Session{
		StreamID:     streamID,
		RoomID:       roomID,
		Persona:      persona.Name,
		StartedAt:    now,
		LastUpdateAt: now,
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return "", err
	}
	if err := s.store.PutStream(ctx, roomID, streamID, payload); err != nil {
		return "", fmt.Errorf("aistream: record stream: %w", err)
	}

	s.bcast.Broadcast(roomID, "aiStreamStart", map[string]any{
		"streamId":  streamID,
		"persona":   persona.Name,
		"timestamp": sess.StartedAt,
	})

	messages := []ai.Message{
		{Role: "system", Content: persona.SystemPrompt},
		{Role: "user", Content: query},
	}
	go s.run(provider, sess, messages)
	return streamID, nil
}

// ActiveSessions lists the in-progress generations for a room.
func (s *Streamer) ActiveSessions(ctx context.Context, roomID string) ([]Session, error) {
	raw, err := s.store.Streams(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(raw))
	for id, v := range raw {
		var sess Session
		if err := json.Unmarshal([]byte(v), &sess); err != nil {
			s.log.WithField("stream_id", id).Warn("dropping undecodable stream record")
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// CleanupRoom drops any leftover stream records for an emptied room.
func (s *Streamer) CleanupRoom(ctx context.Context, roomID string) error {
	return s.store.ClearStreams(ctx, roomID)
}

func (s *Streamer) run(provider ai.Provider, sess Session, messages []ai.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StreamTimeout)
	defer cancel()

	log := s.log.WithFields(logrus.Fields{"room_id": sess.RoomID, "stream_id": sess.StreamID})

	sp, ok := provider.(ai.StreamProvider)
	if !ok {
		// non-streaming fallback: one chunk, then completion
		content, err := provider.Chat(ctx, messages)
		if err != nil {
			s.fail(ctx, sess, err)
			return
		}
		var fence FenceTracker
		s.bcast.Broadcast(sess.RoomID, "aiStreamChunk", map[string]any{
			"streamId":    sess.StreamID,
			"chunk":       content,
			"isCodeBlock": fence.Feed(content),
			"timestamp":   time.Now().UnixMilli(),
		})
		s.complete(ctx, sess, content)
		return
	}

	chunks, errs := sp.StreamChat(ctx, messages)
	var fence FenceTracker
	var full []byte
	for {
		select {
		case chunk, open := <-chunks:
			if !open {
				// drain a racing error before declaring success
				var err error
				if errs != nil {
					err = <-errs
				}
				if err != nil {
					s.fail(ctx, sess, err)
					return
				}
				s.complete(ctx, sess, string(full))
				return
			}
			full = append(full, chunk...)
			s.bcast.Broadcast(sess.RoomID, "aiStreamChunk", map[string]any{
				"streamId":    sess.StreamID,
				"chunk":       chunk,
				"isCodeBlock": fence.Feed(chunk),
				"timestamp":   time.Now().UnixMilli(),
			})
			s.checkpoint(ctx, &sess, string(full))
		case err := <-errs:
			if err != nil {
				s.fail(ctx, sess, err)
				return
			}
			// errs closed without an error; keep consuming chunks
			errs = nil
		case <-ctx.Done():
			log.Warn("stream timed out")
			s.fail(context.Background(), sess, ctx.Err())
			return
		}
	}
}

// complete logs the finished message and announces it. The log append and the
// completion event replace the per-chunk trail; clients render from this.
func (s *Streamer) complete(ctx context.Context, sess Session, content string) {
	id, err := common.NewULID()
	if err != nil {
		s.fail(ctx, sess, err)
		return
	}
	m := msglog.Message{
		ID:        id,
		RoomID:    sess.RoomID,
		SenderID:  sess.Persona,
		Type:      msglog.TypeAI,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.msgs.AppendSilent(ctx, m); err != nil {
		s.fail(ctx, sess, err)
		return
	}
	s.drop(ctx, sess)
	s.bcast.Broadcast(sess.RoomID, "aiStreamComplete", map[string]any{
		"streamId": sess.StreamID,
		"message":  m,
	})
}

// fail discards any partial content: nothing is appended to the room log.
func (s *Streamer) fail(ctx context.Context, sess Session, cause error) {
	s.log.WithError(cause).WithFields(logrus.Fields{
		"room_id":   sess.RoomID,
		"stream_id": sess.StreamID,
	}).Warn("stream failed")
	s.drop(ctx, sess)
	s.bcast.Broadcast(sess.RoomID, "aiStreamError", map[string]any{
		"streamId": sess.StreamID,
		"persona":  sess.Persona,
		"error":    cause.Error(),
	})
}

// checkpoint rewrites the whole stream record with the content generated so
// far. One hash-field overwrite, so concurrent readers see a consistent
// snapshot.
func (s *Streamer) checkpoint(ctx context.Context, sess *Session, content string) {
	sess.AccumulatedContent = content
	sess.LastUpdateAt = time.Now().UnixMilli()
	payload, err := json.Marshal(sess)
	if err != nil {
		return
	}
	if err := s.store.PutStream(ctx, sess.RoomID, sess.StreamID, payload); err != nil {
		s.log.WithError(err).WithField("stream_id", sess.StreamID).Debug("stream checkpoint failed")
	}
}

func (s *Streamer) drop(ctx context.Context, sess Session) {
	if err := s.store.DropStream(ctx, sess.RoomID, sess.StreamID); err != nil {
		s.log.WithError(err).WithField("stream_id", sess.StreamID).Warn("stream record cleanup failed")
	}
}
