// Package platform implements the boundary to the external chat platform:
// outbound API calls (send, group metadata, webhook registration) and the
// inbound webhook event envelope.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/taskline/taskline/internal/database"
)

// GroupSummary is the metadata returned for a conversation.
type GroupSummary struct {
	GroupID    string `json:"groupId"`
	GroupName  string `json:"groupName"`
	PictureURL string `json:"pictureUrl,omitempty"`
}

// RegisterResult reports the outcome of a webhook registration call.
// Success=false with an Error string is a business rejection by the
// platform, distinct from a transport failure.
type RegisterResult struct {
	Success bool
	Error   string
}

// Client abstracts the chat platform API. Implementations must honor the
// context for cancellation and carry bounded timeouts on every call.
type Client interface {
	// SendMessage pushes a text message to the target group.
	SendMessage(ctx context.Context, integ *database.Integration, groupID, text string) error

	// GetGroupSummary fetches display metadata for a group. Returns nil, nil
	// if the platform has no record of the group.
	GetGroupSummary(ctx context.Context, integ *database.Integration, groupID string) (*GroupSummary, error)

	// GetGroupMemberCount fetches the current member count of a group.
	GetGroupMemberCount(ctx context.Context, integ *database.Integration, groupID string) (int, error)

	// RegisterWebhook sets the callback URL the platform delivers events to.
	RegisterWebhook(ctx context.Context, integ *database.Integration, callbackURL string) (*RegisterResult, error)
}

type httpClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a platform Client speaking the chat platform's
// HTTP API with the given base URL and request timeout.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &httpClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "platform_client"),
	}
}

// apiError carries the platform's HTTP status so callers can distinguish
// client rejections from transient server failures.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("platform API returned status %d: %s", e.Status, e.Body)
}

func (c *httpClient) do(ctx context.Context, integ *database.Integration, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+integ.ChannelToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read platform response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return data, &apiError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *httpClient) SendMessage(ctx context.Context, integ *database.Integration, groupID, text string) error {
	payload := map[string]any{
		"to": groupID,
		"messages": []map[string]string{
			{"type": "text", "text": text},
		},
	}
	if _, err := c.do(ctx, integ, http.MethodPost, "/v2/bot/message/push", payload); err != nil {
		c.logger.WarnContext(ctx, "Send message failed", "group_id", groupID, "error", err)
		return fmt.Errorf("failed to send message to group %q: %w", groupID, err)
	}
	return nil
}

func (c *httpClient) GetGroupSummary(ctx context.Context, integ *database.Integration, groupID string) (*GroupSummary, error) {
	data, err := c.do(ctx, integ, http.MethodGet, "/v2/bot/group/"+url.PathEscape(groupID)+"/summary", nil)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch summary for group %q: %w", groupID, err)
	}

	var summary GroupSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary for group %q: %w", groupID, err)
	}
	return &summary, nil
}

func (c *httpClient) GetGroupMemberCount(ctx context.Context, integ *database.Integration, groupID string) (int, error) {
	data, err := c.do(ctx, integ, http.MethodGet, "/v2/bot/group/"+url.PathEscape(groupID)+"/members/count", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch member count for group %q: %w", groupID, err)
	}

	var out struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("failed to decode member count for group %q: %w", groupID, err)
	}
	return out.Count, nil
}

func (c *httpClient) RegisterWebhook(ctx context.Context, integ *database.Integration, callbackURL string) (*RegisterResult, error) {
	payload := map[string]string{"endpoint": callbackURL}
	_, err := c.do(ctx, integ, http.MethodPut, "/v2/bot/channel/webhook/endpoint", payload)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			// A 4xx here is the platform rejecting the endpoint, not a
			// transport problem: report it as an unsuccessful result.
			c.logger.WarnContext(ctx, "Webhook registration rejected", "status", apiErr.Status, "body", apiErr.Body)
			return &RegisterResult{Success: false, Error: apiErr.Body}, nil
		}
		return nil, fmt.Errorf("webhook registration failed: %w", err)
	}
	return &RegisterResult{Success: true}, nil
}
