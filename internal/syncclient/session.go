package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
)

// ErrDisconnected is returned when sending while the transport is down
var ErrDisconnected = errors.New("not connected to relay")

const writeWait = 10 * time.Second

// SessionConfig describes how to reach the relay
type SessionConfig struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/ws
	URL string
	// Token is sent as a bearer token. When empty, Identity is sent as
	// ?user= for relays that allow anonymous connections.
	Token    string
	Identity string

	Dialer *websocket.Dialer

	// Reconnect backoff. MaxElapsed of zero retries until ctx is done.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxElapsed     time.Duration
}

// Session keeps one reconciler connected to the relay. It reconnects with
// exponential backoff after a transport drop and resyncs history each time.
type Session struct {
	cfg SessionConfig
	rec *Reconciler

	mu   sync.Mutex
	conn *websocket.Conn

	reconnects atomic.Int64
}

// NewSession creates a session feeding rec
func NewSession(cfg SessionConfig, rec *Reconciler) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return &Session{cfg: cfg, rec: rec}
}

// Reconciler returns the projection this session feeds
func (s *Session) Reconciler() *Reconciler {
	return s.rec
}

// Reconnects returns how many times the transport was re-established
func (s *Session) Reconnects() int64 {
	return s.reconnects.Load()
}

// Connected reports whether a transport is currently up
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Run connects and pumps events until ctx is done or the relay refuses the
// credentials. It returns ctx's error on a normal stop.
func (s *Session) Run(ctx context.Context) error {
	first := true
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			return err
		}
		s.setConn(conn)

		done := make(chan error, 1)
		go func() { done <- s.readLoop(conn) }()

		if err := s.Send(domain.EventJoin, domain.JoinPayload{Identity: s.rec.Self()}); err != nil {
			log.Warn().Err(err).Msg("join failed")
		}
		if first {
			err = s.rec.Activate(ctx, domain.Public())
		} else {
			s.reconnects.Add(1)
			err = s.rec.Resync(ctx)
		}
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("history sync failed")
		}
		first = false

		select {
		case <-ctx.Done():
			s.setConn(nil)
			conn.Close()
			<-done
			return ctx.Err()
		case err := <-done:
			s.setConn(nil)
			conn.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Info().Err(err).Str("identity", s.rec.Self()).Msg("relay connection lost, reconnecting")
		}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := s.endpoint()
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	op := func() (*websocket.Conn, error) {
		conn, resp, err := s.cfg.Dialer.DialContext(ctx, endpoint, header)
		if err == nil {
			return conn, nil
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(err)
		}
		log.Debug().Err(err).Str("url", s.cfg.URL).Msg("dial failed")
		return nil, err
	}
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(s.cfg.MaxElapsed))
}

func (s *Session) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", err
	}
	if s.cfg.Token == "" && s.cfg.Identity != "" {
		q := u.Query()
		q.Set("user", s.cfg.Identity)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// readLoop applies inbound frames until the transport fails. The relay may
// coalesce several events into one frame, separated by newlines.
func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var ev domain.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				log.Warn().Err(err).Msg("dropping undecodable frame")
				continue
			}
			if err := s.rec.Apply(ev); err != nil {
				log.Warn().Err(err).Str("event", string(ev.Type)).Msg("apply failed")
			}
		}
	}
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Send writes one event to the relay
func (s *Session) Send(t domain.EventType, payload any) error {
	frame, err := domain.Encode(t, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrDisconnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// SendPublic posts to the public feed and returns the placeholder ref
func (s *Session) SendPublic(text string) (string, error) {
	ref := s.rec.Compose(domain.Public(), text)
	if err := s.Send(domain.EventPublicMessage, domain.PublicMessagePayload{Text: text, Ref: ref}); err != nil {
		s.rec.Discard(ref)
		return "", err
	}
	return ref, nil
}

// SendPrivate posts a directed message and returns the placeholder ref
func (s *Session) SendPrivate(to, text string) (string, error) {
	ref := s.rec.Compose(domain.Private(s.rec.Self(), to), text)
	if err := s.Send(domain.EventPrivateMessage, domain.PrivateMessagePayload{To: to, Text: text, Ref: ref}); err != nil {
		s.rec.Discard(ref)
		return "", err
	}
	return ref, nil
}

func (s *Session) Edit(id uint64, text string) error {
	return s.Send(domain.EventEditMessage, domain.EditMessagePayload{ID: id, Text: text})
}

func (s *Session) Delete(id uint64) error {
	return s.Send(domain.EventDeleteMessage, domain.DeleteMessagePayload{ID: id})
}

func (s *Session) React(id uint64, reaction string) error {
	return s.Send(domain.EventReactMessage, domain.ReactMessagePayload{ID: id, Reaction: reaction})
}

func (s *Session) StartTyping(scope domain.Scope) error {
	return s.Send(domain.EventStartTyping, domain.TypingPayload{Scope: scope})
}

func (s *Session) StopTyping(scope domain.Scope) error {
	return s.Send(domain.EventStopTyping, domain.TypingPayload{Scope: scope})
}
