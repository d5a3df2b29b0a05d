package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
	"github.com/mmuslimabdulj/goat-relay/internal/metrics"
)

// ErrHubClosed is returned by Register after Shutdown
var ErrHubClosed = errors.New("hub is shut down")

// HubConfig holds per-connection limits
type HubConfig struct {
	MaxMessageSize int64
	EventRate      rate.Limit
	EventBurst     int
}

// Hub owns the live clients and dispatches their inbound events to the
// presence registry, typing coordinator and router.
type Hub struct {
	presence *Presence
	typing   *Typing
	router   *Router
	cfg      HubConfig

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

// NewHub creates a new Hub
func NewHub(presence *Presence, typing *Typing, router *Router, cfg HubConfig) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = domain.MaxMessageSize
	}
	if cfg.EventRate <= 0 {
		cfg.EventRate = domain.DefaultRateLimitEvents
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = int(cfg.EventRate) * 2
	}
	return &Hub{
		presence: presence,
		typing:   typing,
		router:   router,
		cfg:      cfg,
		clients:  make(map[string]*Client),
	}
}

// Presence returns the registry behind the hub
func (h *Hub) Presence() *Presence { return h.presence }

// Register tracks c and joins it to presence under its identity
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.clients[c.ID()] = c
	h.mu.Unlock()

	h.presence.Join(c.Identity, c)
	log.Info().Str("conn_id", c.ID()).Str("identity", c.Identity).Msg("client connected")
	return nil
}

// Broadcast sends one event to every live connection
func (h *Hub) Broadcast(t domain.EventType, payload any) int {
	frame, err := domain.Encode(t, payload)
	if err != nil {
		log.Error().Err(err).Str("event", string(t)).Msg("encode broadcast")
		return 0
	}
	return deliver(h.presence.Connections(), t, frame)
}

// Unregister removes c. When it was the identity's last connection, the
// identity's typing indicators are cleared as well.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID()]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID())
	h.mu.Unlock()

	c.close()
	identity, offline := h.presence.Leave(c)
	if offline {
		h.typing.StopAll(identity)
	}
	log.Info().Str("conn_id", c.ID()).Str("identity", c.Identity).Bool("offline", offline).Msg("client disconnected")
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client's send queue, which makes the write pumps send
// a close frame. Later registrations are refused.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	log.Info().Int("clients", len(clients)).Msg("hub shut down")
}

// HandleFrame decodes and dispatches one inbound frame from c
func (h *Hub) HandleFrame(c *Client, frame []byte) {
	if !c.limiter.Allow() {
		h.sendError(c, "", "", domain.ErrRateLimited)
		return
	}

	var ev domain.Event
	if err := json.Unmarshal(frame, &ev); err != nil || ev.Type == "" {
		h.sendError(c, "", "", domain.ErrMalformedEvent)
		return
	}
	metrics.EventsReceived.WithLabelValues(string(ev.Type)).Inc()
	h.Dispatch(context.Background(), c, ev)
}

// Dispatch runs one inbound event. Persistence runs on ctx rather than the
// connection's lifetime, so a publish completes even if c drops meanwhile.
func (h *Hub) Dispatch(ctx context.Context, c *Client, ev domain.Event) {
	switch ev.Type {
	case domain.EventJoin:
		var p domain.JoinPayload
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				h.sendError(c, ev.Type, "", domain.ErrMalformedEvent)
				return
			}
		}
		if p.Identity != "" && p.Identity != c.Identity {
			h.sendError(c, ev.Type, "", fmt.Errorf("%w: join as %q", domain.ErrForbidden, p.Identity))
			return
		}
		h.presence.Join(c.Identity, c)

	case domain.EventPublicMessage:
		var p domain.PublicMessagePayload
		if !h.decode(c, ev, &p) {
			return
		}
		m, err := h.router.PublishPublic(ctx, c.Identity, p.Text)
		h.reply(c, ev.Type, p.Ref, m, err)

	case domain.EventPrivateMessage:
		var p domain.PrivateMessagePayload
		if !h.decode(c, ev, &p) {
			return
		}
		m, err := h.router.PublishPrivate(ctx, c.Identity, p.To, p.Text)
		h.reply(c, ev.Type, p.Ref, m, err)

	case domain.EventEditMessage:
		var p domain.EditMessagePayload
		if !h.decode(c, ev, &p) {
			return
		}
		_, err := h.router.EditMessage(ctx, c.Identity, p.ID, p.Text)
		h.reply(c, ev.Type, "", nil, err)

	case domain.EventDeleteMessage:
		var p domain.DeleteMessagePayload
		if !h.decode(c, ev, &p) {
			return
		}
		err := h.router.DeleteMessage(ctx, c.Identity, p.ID)
		h.reply(c, ev.Type, "", nil, err)

	case domain.EventReactMessage:
		var p domain.ReactMessagePayload
		if !h.decode(c, ev, &p) {
			return
		}
		_, err := h.router.AddReaction(ctx, c.Identity, p.ID, p.Reaction)
		h.reply(c, ev.Type, "", nil, err)

	case domain.EventStartTyping:
		var p domain.TypingPayload
		if !h.decode(c, ev, &p) {
			return
		}
		if err := h.typing.Start(p.Scope, c.Identity); err != nil {
			h.sendError(c, ev.Type, "", err)
		}

	case domain.EventStopTyping:
		var p domain.TypingPayload
		if !h.decode(c, ev, &p) {
			return
		}
		h.typing.Stop(p.Scope, c.Identity)

	default:
		h.sendError(c, ev.Type, "", fmt.Errorf("%w: unknown type %q", domain.ErrMalformedEvent, ev.Type))
	}
}

func (h *Hub) decode(c *Client, ev domain.Event, v any) bool {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		h.sendError(c, ev.Type, "", fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err))
		return false
	}
	return true
}

// reply acks a successful publish carrying a ref, or reports err to c only
func (h *Hub) reply(c *Client, t domain.EventType, ref string, m *domain.Message, err error) {
	if err != nil {
		h.sendError(c, t, ref, err)
		return
	}
	if ref == "" || m == nil {
		return
	}
	frame, err := domain.Encode(domain.EventAck, domain.AckPayload{Ref: ref, Message: *m})
	if err != nil {
		log.Error().Err(err).Msg("encode ack")
		return
	}
	deliver([]Conn{c}, domain.EventAck, frame)
}

func (h *Hub) sendError(c *Client, t domain.EventType, ref string, err error) {
	code := domain.ErrorCode(err)
	text := err.Error()
	if code == "internal_error" {
		text = "internal error"
	}
	frame, encErr := domain.Encode(domain.EventError, domain.ErrorPayload{
		Code:    code,
		Message: text,
		Ref:     ref,
		Event:   t,
	})
	if encErr != nil {
		log.Error().Err(encErr).Msg("encode error event")
		return
	}
	log.Debug().Err(err).Str("conn_id", c.ID()).Str("event", string(t)).Str("code", code).Msg("event rejected")
	deliver([]Conn{c}, domain.EventError, frame)
}
