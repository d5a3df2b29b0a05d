package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mmuslimabdulj/goat-relay/internal/auth"
	"github.com/mmuslimabdulj/goat-relay/internal/config"
	"github.com/mmuslimabdulj/goat-relay/internal/delivery/ws"
	"github.com/mmuslimabdulj/goat-relay/internal/domain"
)

// Store is the durable side the HTTP layer reads from. repo.Store implements it.
type Store interface {
	History(ctx context.Context, scope domain.Scope) ([]domain.Message, error)
	UpsertUser(ctx context.Context, u *domain.User) (bool, error)
	ListUsers(ctx context.Context, search string) ([]domain.User, error)
	Conversations(ctx context.Context, identity string) ([]domain.Conversation, error)
}

type Handler struct {
	hub      *ws.Hub
	store    Store
	resolver *auth.Resolver
	cfg      *config.Config
	upgrader websocket.Upgrader
}

func NewHandler(hub *ws.Hub, store Store, resolver *auth.Resolver, cfg *config.Config) *Handler {
	h := &Handler{
		hub:      hub,
		store:    store,
		resolver: resolver,
		cfg:      cfg,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return cfg.IsOriginAllowed(r.Header.Get("Origin"))
		},
	}
	return h
}

// HandleWebSocket authenticates the caller, records them in the user
// directory and upgrades to a websocket bound to their identity.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := h.resolver.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.StoreTimeout)
	defer cancel()
	created, err := h.store.UpsertUser(ctx, user)
	if err != nil {
		log.Error().Err(err).Str("identity", user.Identity).Msg("upsert user on connect")
		writeError(w, http.StatusServiceUnavailable, domain.ErrStoreUnavailable.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := ws.NewClient(h.hub, conn, user.Identity)
	if err := h.hub.Register(client); err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()

	if created {
		h.announceUsers(ctx)
	}
}

// announceUsers pushes the user directory to everyone after a registration
func (h *Handler) announceUsers(ctx context.Context) {
	users, err := h.store.ListUsers(ctx, "")
	if err != nil {
		log.Warn().Err(err).Msg("list users for users_changed")
		return
	}
	h.hub.Broadcast(domain.EventUsersChanged, domain.UsersChangedPayload{Users: users})
}

// HandlePublicHistory returns the ordered public feed
func (h *Handler) HandlePublicHistory(w http.ResponseWriter, r *http.Request) {
	h.writeHistory(w, r, domain.Public())
}

// HandlePrivateHistory returns the ordered conversation between {a} and {b}.
// The caller must be one of the two.
func (h *Handler) HandlePrivateHistory(w http.ResponseWriter, r *http.Request) {
	a, b := r.PathValue("a"), r.PathValue("b")
	if !domain.ValidIdentity(a) || !domain.ValidIdentity(b) || a == b {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidScope.Error())
		return
	}

	caller, err := h.resolver.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	scope := domain.Private(a, b)
	if !scope.Includes(caller.Identity) {
		writeError(w, http.StatusForbidden, domain.ErrForbidden.Error())
		return
	}
	h.writeHistory(w, r, scope)
}

func (h *Handler) writeHistory(w http.ResponseWriter, r *http.Request, scope domain.Scope) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.StoreTimeout)
	defer cancel()

	msgs, err := h.store.History(ctx, scope)
	if err != nil {
		log.Error().Err(err).Str("scope", scope.Key()).Msg("fetch history")
		writeError(w, statusFor(err), err.Error())
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// HandleConversations lists the caller's private conversations, most
// recent first
func (h *Handler) HandleConversations(w http.ResponseWriter, r *http.Request) {
	caller, err := h.resolver.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.StoreTimeout)
	defer cancel()

	convs, err := h.store.Conversations(ctx, caller.Identity)
	if err != nil {
		log.Error().Err(err).Str("identity", caller.Identity).Msg("list conversations")
		writeError(w, http.StatusServiceUnavailable, domain.ErrStoreUnavailable.Error())
		return
	}
	presence := h.hub.Presence()
	for i := range convs {
		convs[i].Online = presence.IsOnline(convs[i].Peer)
	}
	writeJSON(w, http.StatusOK, convs)
}

// HandlePresence returns the identities currently online
func (h *Handler) HandlePresence(w http.ResponseWriter, r *http.Request) {
	ids := h.hub.Presence().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"identities": ids,
		"count":      len(ids),
	})
}

// HandleUsers lists registered users, optionally filtered by ?search=
func (h *Handler) HandleUsers(w http.ResponseWriter, r *http.Request) {
	search := strings.TrimSpace(r.URL.Query().Get("search"))
	if len(search) > 64 {
		writeError(w, http.StatusBadRequest, "search term too long")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.StoreTimeout)
	defer cancel()

	users, err := h.store.ListUsers(ctx, search)
	if err != nil {
		log.Error().Err(err).Msg("list users")
		writeError(w, http.StatusServiceUnavailable, domain.ErrStoreUnavailable.Error())
		return
	}
	if users == nil {
		users = []domain.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// HandleHealth is the liveness check
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// HandleStatus serves the status page
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	presence := h.hub.Presence()
	component := StatusPage(presence.Snapshot(), presence.ConnectionCount())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := component.Render(r.Context(), w); err != nil {
		log.Error().Err(err).Msg("render status page")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidScope):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrMessageNotFound):
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write json response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
