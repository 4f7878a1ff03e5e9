package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/common"
)

// Envelope is the wire form of every event pushed to a client.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// PubSub is the cross-instance fanout channel. Room events are published
// through the shared store so clients attached to other gateway instances
// see them too.
type PubSub interface {
	PublishEvent(ctx context.Context, roomID string, payload []byte) error
	SubscribeRoom(ctx context.Context, roomID string) *redis.PubSub
}

type roomReader struct {
	sub  *redis.PubSub
	done chan struct{}
}

// Hub tracks the websocket clients attached to this instance and fans room
// events out to them. Per room it keeps one subscription to the shared
// channel, opened when the first local client subscribes and closed when the
// last one leaves.
type Hub struct {
	store PubSub
	log   *logrus.Entry

	mu      sync.RWMutex
	clients map[string]*Client            // connID -> client
	rooms   map[string]map[string]*Client // roomID -> connID -> client
	readers map[string]*roomReader
}

func New(store PubSub, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		store:   store,
		log:     logger.WithField("component", "hub"),
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		readers: make(map[string]*roomReader),
	}
}

// Attach registers a freshly upgraded connection and serves it until it
// disconnects. Runs on the caller's goroutine.
func (h *Hub) Attach(conn *websocket.Conn, handler Handler) {
	c := newClient(h, conn, common.NewUUID(), handler, h.log)

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	c.run()
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	var emptied []string
	for roomID, members := range h.rooms {
		if _, ok := members[c.id]; !ok {
			continue
		}
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, roomID)
			emptied = append(emptied, roomID)
		}
	}
	readers := make([]*roomReader, 0, len(emptied))
	for _, roomID := range emptied {
		if r := h.readers[roomID]; r != nil {
			readers = append(readers, r)
			delete(h.readers, roomID)
		}
	}
	h.mu.Unlock()

	for _, r := range readers {
		h.stopReader(r)
	}
	c.closeSend()
}

// SubscribeConn adds a connection to a room's local fanout set.
func (h *Hub) SubscribeConn(connID, roomID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*Client)
	}
	h.rooms[roomID][connID] = c
	startReader := h.readers[roomID] == nil
	if startReader {
		sub := h.store.SubscribeRoom(context.Background(), roomID)
		r := &roomReader{sub: sub, done: make(chan struct{})}
		h.readers[roomID] = r
		go h.readLoop(roomID, r)
	}
	h.mu.Unlock()
}

// UnsubscribeConn removes a connection from a room's local fanout set.
func (h *Hub) UnsubscribeConn(connID, roomID string) {
	h.mu.Lock()
	members := h.rooms[roomID]
	delete(members, connID)
	var reader *roomReader
	if len(members) == 0 {
		delete(h.rooms, roomID)
		reader = h.readers[roomID]
		delete(h.readers, roomID)
	}
	h.mu.Unlock()

	if reader != nil {
		h.stopReader(reader)
	}
}

// Broadcast publishes one event to every subscriber of the room, on every
// instance. If the shared channel is unreachable the event is still delivered
// to local subscribers.
func (h *Hub) Broadcast(roomID, event string, data any) {
	payload, err := json.Marshal(Envelope{Type: event, Data: data})
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("event marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.PublishEvent(ctx, roomID, payload); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "event": event}).
			Warn("event publish failed, delivering locally only")
		h.deliverLocal(roomID, payload)
	}
}

func (h *Hub) readLoop(roomID string, r *roomReader) {
	defer close(r.done)
	for msg := range r.sub.Channel() {
		h.deliverLocal(roomID, []byte(msg.Payload))
	}
}

func (h *Hub) deliverLocal(roomID string, payload []byte) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.enqueue(payload)
	}
}

func (h *Hub) stopReader(r *roomReader) {
	if err := r.sub.Close(); err != nil {
		h.log.WithError(err).Debug("pubsub close failed")
	}
	<-r.done
}
