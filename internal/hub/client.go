package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Handler receives inbound frames and the disconnect notification for one
// client. The gateway's command dispatcher implements it.
type Handler interface {
	HandleMessage(c *Client, data []byte)
	HandleDisconnect(c *Client)
}

// Client is one websocket connection attached to the hub. It satisfies the
// session registry's Conn interface: events can be pushed to it and it can be
// forced closed.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	id      string
	handler Handler
	log     *logrus.Entry

	sendMu     sync.Mutex
	send       chan []byte
	sendClosed bool
	closeOnce  sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, id string, handler Handler, log *logrus.Entry) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		id:      id,
		handler: handler,
		log:     log.WithField("conn_id", id),
		send:    make(chan []byte, sendBuffer),
	}
}

func (c *Client) ConnectionID() string { return c.id }

// RemoteAddr is the peer address, for duplicate-login warnings.
func (c *Client) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Send queues one event envelope for delivery. A slow consumer whose buffer
// is full loses the event rather than stalling the sender.
func (c *Client) Send(event string, data any) error {
	payload, err := json.Marshal(Envelope{Type: event, Data: data})
	if err != nil {
		return err
	}
	c.enqueue(payload)
	return nil
}

func (c *Client) enqueue(payload []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.log.WithField("size", len(payload)).Warn("send buffer full, dropping event")
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// Close tears the connection down. Safe to call more than once; the read
// pump's exit drives the rest of the cleanup.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.conn.Close()
	})
}

func (c *Client) run() {
	go c.writePump()
	c.readPump()
}

// readPump pumps frames from the websocket to the handler. It owns the
// connection teardown: when it exits the client is detached from the hub and
// the disconnect callback fires.
func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		c.handler.HandleDisconnect(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handler.HandleMessage(c, data)
	}
}

// writePump pumps queued payloads to the websocket and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
