package msglog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/store/rabbitmq"
)

// Message is the wire and log form of one chat message. Entries are
// appended, never rewritten, except for the reactions map.
type Message struct {
	ID        string              `json:"id"`
	RoomID    string              `json:"roomId"`
	SenderID  string              `json:"sender,omitempty"`
	Type      string              `json:"type"` // text|file|system|ai
	Content   string              `json:"content"`
	Timestamp int64               `json:"timestamp"` // unix millis
	Reactions map[string][]string `json:"reactions,omitempty"`
	File      json.RawMessage     `json:"file,omitempty"` // opaque object-storage metadata
}

const (
	TypeText   = "text"
	TypeFile   = "file"
	TypeSystem = "system"
	TypeAI     = "ai"
)

var (
	ErrNotMember       = errors.New("msglog: sender is not a room member")
	ErrLoadTimeout     = errors.New("msglog: load timed out")
	ErrInFlight        = errors.New("msglog: pagination already in flight")
	ErrMessageNotFound = errors.New("msglog: message not found")
)

// LogStore is the slice of the shared store the engine needs.
type LogStore interface {
	AppendMessage(ctx context.Context, roomID string, payload []byte) error
	MessageCount(ctx context.Context, roomID string) (int64, error)
	MessageRange(ctx context.Context, roomID string, start, stop int64) ([]string, error)
	SetMessageAt(ctx context.Context, roomID string, index int64, payload []byte) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// Broadcaster fans an event out to every subscriber of a room. Best effort;
// the engine never fails an append because a broadcast did not land.
type Broadcaster interface {
	Broadcast(roomID, event string, data any)
}

// ReceiptSink receives out-of-band read-state events.
type ReceiptSink interface {
	PublishReadReceipt(ctx context.Context, r rabbitmq.ReadReceipt) error
}

// Page is one window of the backward walk. OldestID and OldestTimestamp
// together form the cursor for the next window: the id pins the exact log
// position, the timestamp is the fallback if that entry has been trimmed.
type Page struct {
	Messages        []Message `json:"messages"`
	HasMore         bool      `json:"hasMore"`
	OldestID        string    `json:"oldestId"`
	OldestTimestamp int64     `json:"oldestTimestamp"`
}

type Options struct {
	PageSize    int
	LoadTimeout time.Duration
	RetryBase   time.Duration
	RetryCap    time.Duration
	RetryCount  int
}

func (o *Options) defaults() {
	if o.PageSize <= 0 {
		o.PageSize = 30
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 2 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 300 * time.Millisecond
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 3 * time.Second
	}
	if o.RetryCount <= 0 {
		o.RetryCount = 3
	}
}

// Engine owns the per-room ordered log: appends at the tail, backward
// pagination with bounded retries, and reaction updates.
type Engine struct {
	store    LogStore
	bcast    Broadcaster
	receipts ReceiptSink
	opts     Options
	log      *logrus.Entry

	mu       sync.Mutex
	inflight map[string]struct{} // userID|roomID
}

func New(store LogStore, bcast Broadcaster, opts Options, logger *logrus.Logger) *Engine {
	opts.defaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		store:    store,
		bcast:    bcast,
		opts:     opts,
		log:      logger.WithField("component", "msglog"),
		inflight: make(map[string]struct{}),
	}
}

// SetReceiptSink wires the optional read-receipt queue.
func (e *Engine) SetReceiptSink(s ReceiptSink) { e.receipts = s }

// Append writes a message to the tail of the room log and fans it out.
// Membership is re-validated at send time: it can have changed since join.
func (e *Engine) Append(ctx context.Context, m Message) error {
	if err := e.append(ctx, m); err != nil {
		return err
	}
	e.bcast.Broadcast(m.RoomID, "message", m)
	return nil
}

// AppendSilent appends without the generic message broadcast. The AI
// broadcaster uses it because completion is announced as aiStreamComplete.
func (e *Engine) AppendSilent(ctx context.Context, m Message) error {
	return e.append(ctx, m)
}

func (e *Engine) append(ctx context.Context, m Message) error {
	if m.Type != TypeSystem && m.Type != TypeAI {
		ok, err := e.store.IsMember(ctx, m.RoomID, m.SenderID)
		if err != nil {
			return fmt.Errorf("msglog: membership check: %w", err)
		}
		if !ok {
			return ErrNotMember
		}
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return e.store.AppendMessage(ctx, m.RoomID, payload)
}

// Page serves backward pagination for a room member. Without a cursor it
// returns the newest PageSize entries; with a cursor it returns the entries
// immediately preceding the previous page's oldest message. A second call
// for the same (user, room) while one is outstanding returns ErrInFlight.
// Transient load failures are retried with exponential backoff before being
// surfaced.
func (e *Engine) Page(ctx context.Context, userID, roomID string, beforeTimestamp int64, beforeID string, limit int) (*Page, error) {
	ok, err := e.store.IsMember(ctx, roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("msglog: membership check: %w", err)
	}
	if !ok {
		return nil, ErrNotMember
	}

	key := userID + "|" + roomID
	e.mu.Lock()
	if _, busy := e.inflight[key]; busy {
		e.mu.Unlock()
		return nil, ErrInFlight
	}
	e.inflight[key] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}()

	if limit <= 0 || limit > 100 {
		limit = e.opts.PageSize
	}

	var page *Page
	delay := e.opts.RetryBase
	for attempt := 0; ; attempt++ {
		page, err = e.loadPage(ctx, roomID, beforeTimestamp, beforeID, limit)
		if err == nil {
			break
		}
		if attempt+1 >= e.opts.RetryCount || ctx.Err() != nil {
			return nil, err
		}
		e.log.WithError(err).WithFields(logrus.Fields{
			"room_id": roomID,
			"user_id": userID,
			"attempt": attempt + 1,
		}).Warn("page load failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > e.opts.RetryCap {
			delay = e.opts.RetryCap
		}
	}

	e.publishReceipt(userID, roomID, page.Messages)
	return page, nil
}

// Recent returns the newest entries without the in-flight guard. Used to
// build the join view, where the caller has just been added to the roster.
func (e *Engine) Recent(ctx context.Context, roomID string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = e.opts.PageSize
	}
	return e.loadPage(ctx, roomID, 0, "", limit)
}

const scanChunk = 100

// loadPage is one bounded attempt. Pages are cut by log index, so a burst
// of out-of-order timestamps near the cursor can never duplicate or drop an
// entry across a walk.
func (e *Engine) loadPage(parent context.Context, roomID string, before int64, beforeID string, limit int) (*Page, error) {
	ctx, cancel := context.WithTimeout(parent, e.opts.LoadTimeout)
	defer cancel()

	total, err := e.store.MessageCount(ctx, roomID)
	if err != nil {
		return nil, e.mapLoadErr(err)
	}

	cut := total
	if before > 0 || beforeID != "" {
		cut, err = e.findCut(ctx, roomID, total, before, beforeID)
		if err != nil {
			return nil, e.mapLoadErr(err)
		}
	}

	lo := cut - int64(limit)
	if lo < 0 {
		lo = 0
	}

	msgs := make([]Message, 0, limit)
	if cut > lo {
		raw, err := e.store.MessageRange(ctx, roomID, lo, cut-1)
		if err != nil {
			return nil, e.mapLoadErr(err)
		}
		for _, entry := range raw {
			var m Message
			if err := json.Unmarshal([]byte(entry), &m); err != nil {
				e.log.WithError(err).WithField("room_id", roomID).Warn("skipping undecodable log entry")
				continue
			}
			msgs = append(msgs, m)
		}
	}

	page := &Page{Messages: msgs, HasMore: lo > 0}
	if len(msgs) > 0 {
		page.OldestID = msgs[0].ID
		page.OldestTimestamp = msgs[0].Timestamp
	}
	return page, nil
}

// findCut resolves the cursor to a log index. The id pins the exact entry
// the previous page started at; timestamps alone cannot, since one burst can
// land a whole run of entries in the same millisecond. When the id entry is
// gone (trimmed from the head) the scan falls back to the first entry of the
// contiguous tail at or after the timestamp.
func (e *Engine) findCut(ctx context.Context, roomID string, total, before int64, beforeID string) (int64, error) {
	if beforeID != "" {
		idx, err := e.indexOf(ctx, roomID, total, beforeID)
		if err != nil {
			return 0, err
		}
		if idx >= 0 {
			return idx, nil
		}
	}

	cut := total
	for hi := total; hi > 0; {
		lo := hi - scanChunk
		if lo < 0 {
			lo = 0
		}
		raw, err := e.store.MessageRange(ctx, roomID, lo, hi-1)
		if err != nil {
			return 0, err
		}
		for i := len(raw) - 1; i >= 0; i-- {
			var m Message
			if err := json.Unmarshal([]byte(raw[i]), &m); err != nil {
				continue
			}
			if m.Timestamp >= before {
				cut = lo + int64(i)
			} else {
				return cut, nil
			}
		}
		hi = lo
	}
	return cut, nil
}

// indexOf scans backward for the entry carrying the given id. Returns -1
// when it is no longer in the log.
func (e *Engine) indexOf(ctx context.Context, roomID string, total int64, id string) (int64, error) {
	for hi := total; hi > 0; {
		lo := hi - scanChunk
		if lo < 0 {
			lo = 0
		}
		raw, err := e.store.MessageRange(ctx, roomID, lo, hi-1)
		if err != nil {
			return -1, err
		}
		for i := len(raw) - 1; i >= 0; i-- {
			var m Message
			if err := json.Unmarshal([]byte(raw[i]), &m); err != nil {
				continue
			}
			if m.ID == id {
				return lo + int64(i), nil
			}
		}
		hi = lo
	}
	return -1, nil
}

func (e *Engine) mapLoadErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrLoadTimeout
	}
	return fmt.Errorf("msglog: store: %w", err)
}

func (e *Engine) publishReceipt(userID, roomID string, msgs []Message) {
	if e.receipts == nil || len(msgs) == 0 {
		return
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	// Out of band: must never block or fail the pagination response.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r := rabbitmq.ReadReceipt{
			UserID:     userID,
			RoomID:     roomID,
			MessageIDs: ids,
			ReadAt:     time.Now().UnixMilli(),
		}
		if err := e.receipts.PublishReadReceipt(ctx, r); err != nil {
			e.log.WithError(err).WithField("room_id", roomID).Warn("read receipt publish failed")
		}
	}()
}

const reactScanDepth = 500

// React toggles a user on one emoji's reaction list. The entry is rewritten
// in place; last writer wins, which is acceptable for reactions.
func (e *Engine) React(ctx context.Context, roomID, messageID, emoji, userID string, add bool) (*Message, error) {
	ok, err := e.store.IsMember(ctx, roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("msglog: membership check: %w", err)
	}
	if !ok {
		return nil, ErrNotMember
	}

	total, err := e.store.MessageCount(ctx, roomID)
	if err != nil {
		return nil, e.mapLoadErr(err)
	}

	floor := total - reactScanDepth
	if floor < 0 {
		floor = 0
	}
	for hi := total; hi > floor; {
		lo := hi - scanChunk
		if lo < floor {
			lo = floor
		}
		raw, err := e.store.MessageRange(ctx, roomID, lo, hi-1)
		if err != nil {
			return nil, e.mapLoadErr(err)
		}
		for i := len(raw) - 1; i >= 0; i-- {
			var m Message
			if err := json.Unmarshal([]byte(raw[i]), &m); err != nil {
				continue
			}
			if m.ID != messageID {
				continue
			}
			mutateReactions(&m, emoji, userID, add)
			payload, err := json.Marshal(m)
			if err != nil {
				return nil, err
			}
			if err := e.store.SetMessageAt(ctx, roomID, lo+int64(i), payload); err != nil {
				return nil, e.mapLoadErr(err)
			}
			e.bcast.Broadcast(roomID, "messageReaction", map[string]any{
				"messageId": m.ID,
				"reactions": m.Reactions,
			})
			return &m, nil
		}
		hi = lo
	}
	return nil, ErrMessageNotFound
}

func mutateReactions(m *Message, emoji, userID string, add bool) {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	users := m.Reactions[emoji]
	idx := -1
	for i, u := range users {
		if u == userID {
			idx = i
			break
		}
	}
	if add && idx < 0 {
		m.Reactions[emoji] = append(users, userID)
	}
	if !add && idx >= 0 {
		users = append(users[:idx], users[idx+1:]...)
		if len(users) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = users
		}
	}
}
