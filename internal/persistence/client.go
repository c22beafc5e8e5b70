// Package persistence is the HTTP client for the external service that
// durably stores chats, follow relationships and notifications.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	SaveChatPath           = "/api/user/chats/saveChat"
	FollowPath             = "/api/user/follow"
	CreateNotificationPath = "/api/user/notification/new"

	maxResponseBody = 1 << 20
)

// ErrRejected is returned when the service answered but refused the call.
var ErrRejected = errors.New("persistence call rejected")

// CallError describes a failed call to the persistence service.
type CallError struct {
	Endpoint   string
	StatusCode int
	Reason     string
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("persistence %s: status %d: %s", e.Endpoint, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("persistence %s: %s", e.Endpoint, e.Reason)
}

func (e *CallError) Unwrap() error { return e.Err }

// Response is the envelope returned by the persistence service. Data is kept
// opaque.
type Response struct {
	Success *bool           `json:"success,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SaveChatRequest is the body of a save chat call. Message is the encrypted
// token, never plaintext.
type SaveChatRequest struct {
	ChatID   string `json:"chatId"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
	Time     string `json:"time,omitempty"`
}

// FollowRequest records that UserID follows FriendID.
type FollowRequest struct {
	UserID   string `json:"userId"`
	FriendID string `json:"friendId"`
}

// NotificationRequest stores a notification for UserID.
type NotificationRequest struct {
	UserID    string `json:"userId"`
	Header    string `json:"header"`
	Content   string `json:"content"`
	TimeStamp string `json:"timeStamp"`
}

// Client posts JSON to the persistence service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient returns a Client for baseURL. A zero timeout disables the
// per-call deadline.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "persistence"),
	}
}

// SaveChat stores one encrypted chat message.
func (c *Client) SaveChat(ctx context.Context, req SaveChatRequest) (*Response, error) {
	return c.post(ctx, SaveChatPath, req)
}

// Follow records a follow relationship.
func (c *Client) Follow(ctx context.Context, req FollowRequest) (*Response, error) {
	return c.post(ctx, FollowPath, req)
}

// CreateNotification stores a notification for later retrieval.
func (c *Client) CreateNotification(ctx context.Context, req NotificationRequest) (*Response, error) {
	return c.post(ctx, CreateNotificationPath, req)
}

func (c *Client) post(ctx context.Context, path string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &CallError{Endpoint: path, Reason: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &CallError{Endpoint: path, Reason: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &CallError{Endpoint: path, Reason: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &CallError{Endpoint: path, StatusCode: resp.StatusCode, Reason: "read response", Err: err}
	}

	c.logger.Debug("persistence call finished",
		"endpoint", path, "status", resp.StatusCode, "duration", time.Since(start))

	out := &Response{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			// tolerate non-envelope bodies on success
			out = &Response{Data: raw}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &CallError{Endpoint: path, StatusCode: resp.StatusCode, Reason: reason(out, resp.Status), Err: ErrRejected}
	}
	if out.Success != nil && !*out.Success {
		return nil, &CallError{Endpoint: path, StatusCode: resp.StatusCode, Reason: reason(out, "success=false"), Err: ErrRejected}
	}
	return out, nil
}

func reason(r *Response, fallback string) string {
	if r != nil && r.Message != "" {
		return r.Message
	}
	return fallback
}
