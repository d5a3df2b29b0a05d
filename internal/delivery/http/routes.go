package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmuslimabdulj/goat-relay/internal/middleware"
)

// Routes registers every endpoint. apiLimiter guards the REST calls and
// wsLimiter the websocket upgrade.
func (h *Handler) Routes(apiLimiter, wsLimiter *middleware.IPRateLimiter) *http.ServeMux {
	mux := http.NewServeMux()

	// Page routes
	mux.HandleFunc("GET /{$}", h.HandleStatus)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// WebSocket route with rate limiting
	mux.HandleFunc("GET /ws", middleware.RateLimitFunc(wsLimiter, h.HandleWebSocket))

	// API routes with rate limiting
	mux.HandleFunc("GET /api/messages/public", middleware.RateLimitFunc(apiLimiter, h.HandlePublicHistory))
	mux.HandleFunc("GET /api/messages/private/{a}/{b}", middleware.RateLimitFunc(apiLimiter, h.HandlePrivateHistory))
	mux.HandleFunc("GET /api/presence", middleware.RateLimitFunc(apiLimiter, h.HandlePresence))
	mux.HandleFunc("GET /api/users", middleware.RateLimitFunc(apiLimiter, h.HandleUsers))
	mux.HandleFunc("GET /api/conversations", middleware.RateLimitFunc(apiLimiter, h.HandleConversations))

	return mux
}
