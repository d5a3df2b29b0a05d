package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
)

// HTTPHistory fetches transcripts from the relay's REST history endpoints.
// Token is sent as a bearer token; when it is empty Identity is passed as
// ?user= for relays running in anonymous mode.
type HTTPHistory struct {
	BaseURL  string
	Token    string
	Identity string
	Client   *http.Client
}

// FetchHistory implements HistoryFetcher
func (h *HTTPHistory) FetchHistory(ctx context.Context, scope domain.Scope) ([]domain.Message, error) {
	var msgs []domain.Message
	if err := h.get(ctx, historyPath(scope), &msgs); err != nil {
		return nil, fmt.Errorf("history %s: %w", scope, err)
	}
	return msgs, nil
}

// Conversations lists the caller's private conversations, most recent first
func (h *HTTPHistory) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	if err := h.get(ctx, "/api/conversations", &convs); err != nil {
		return nil, fmt.Errorf("conversations: %w", err)
	}
	return convs, nil
}

// Users lists the registered users
func (h *HTTPHistory) Users(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	if err := h.get(ctx, "/api/users", &users); err != nil {
		return nil, fmt.Errorf("users: %w", err)
	}
	return users, nil
}

func (h *HTTPHistory) get(ctx context.Context, path string, v any) error {
	endpoint := strings.TrimRight(h.BaseURL, "/") + path
	if h.Token == "" && h.Identity != "" {
		endpoint += "?user=" + url.QueryEscape(h.Identity)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func historyPath(scope domain.Scope) string {
	if scope.IsPublic() {
		return "/api/messages/public"
	}
	return "/api/messages/private/" + url.PathEscape(scope.Members[0]) + "/" + url.PathEscape(scope.Members[1])
}
