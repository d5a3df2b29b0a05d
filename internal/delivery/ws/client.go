package ws

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Outbound frames buffered per connection before drops start
	sendBuffer = 1024
)

// Client is one websocket connection of an authenticated identity
type Client struct {
	id       string
	Identity string
	hub      *Hub
	conn     *websocket.Conn
	limiter  *rate.Limiter

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// NewClient creates a Client for identity. conn may be nil in tests.
func NewClient(hub *Hub, conn *websocket.Conn, identity string) *Client {
	return &Client{
		id:       uuid.NewString(),
		Identity: identity,
		hub:      hub,
		conn:     conn,
		limiter:  rate.NewLimiter(hub.cfg.EventRate, hub.cfg.EventBurst),
		send:     make(chan []byte, sendBuffer),
	}
}

// ID returns the connection id, unique per connection
func (c *Client) ID() string {
	return c.id
}

// Send enqueues frame without blocking. It returns false when the client is
// closed or its buffer is full.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close stops the write pump. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump pumps events from the websocket connection to the hub. It
// unregisters the client when the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Str("identity", c.Identity).Msg("websocket closed")
			}
			return
		}
		c.hub.HandleFrame(c, bytes.TrimSpace(message))
	}
}

// WritePump pumps frames from the send queue to the websocket connection.
// Queued frames are coalesced into one websocket message, newline separated.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
