package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSecurityHeaders_AppliedToEveryResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/presence", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"identities":[],"count":0}`))
	})
	srv := SecurityHeaders(mux)

	for _, target := range []string{"/api/presence", "/missing"} {
		t.Run(target, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))

			h := w.Header()
			if h.Get("X-Frame-Options") != "DENY" || h.Get("X-Content-Type-Options") != "nosniff" {
				t.Errorf("missing framing/sniffing headers: %v", h)
			}
			if got := h.Get("Referrer-Policy"); got != "strict-origin-when-cross-origin" {
				t.Errorf("Referrer-Policy = %q", got)
			}
			csp := h.Get("Content-Security-Policy")
			for _, directive := range []string{"connect-src 'self' ws: wss:", "frame-ancestors 'none'"} {
				if !strings.Contains(csp, directive) {
					t.Errorf("CSP %q lacks %q", csp, directive)
				}
			}
			if !strings.Contains(h.Get("Permissions-Policy"), "microphone=()") {
				t.Errorf("Permissions-Policy = %q", h.Get("Permissions-Policy"))
			}
		})
	}
}

func TestSecurityHeaders_HandlerCanOverride(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Write([]byte("ok"))
	})

	w := httptest.NewRecorder()
	SecurityHeaders(handler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Body.String() != "ok" {
		t.Errorf("body = %q", w.Body.String())
	}
	if got := w.Header().Get("Referrer-Policy"); got != "no-referrer" {
		t.Errorf("handler override lost, Referrer-Policy = %q", got)
	}
}
