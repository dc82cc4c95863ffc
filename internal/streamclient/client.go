package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is lets callers match server errors against the relaychat sentinels.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case relaychat.ErrInvalidToken:
		return e.StatusCode == http.StatusUnauthorized
	case relaychat.ErrUserNotInChat:
		return e.StatusCode == http.StatusForbidden
	case relaychat.ErrUnknownChat:
		return e.StatusCode == http.StatusNotFound && e.Code == "unknown_chat"
	case relaychat.ErrNotFound:
		return e.StatusCode == http.StatusNotFound && e.Code != "unknown_chat"
	case relaychat.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

type MailboxQuery struct {
	Limit  int
	After  *int64
	Before *int64
}

// Client talks to the relaychat HTTP API with a session token.
type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	streamClient *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		// Streams stay open indefinitely, so they share the transport but
		// not the request timeout.
		streamClient: &http.Client{Transport: httpClient.Transport},
		maxRetries:   3,
		baseDelay:    100 * time.Millisecond,
		maxDelay:     2 * time.Second,
	}
}

func (c *Client) PostMessage(ctx context.Context, chat relaychat.ChatID, text string, timestamp int64) (relaychat.ChatMessage, error) {
	body := map[string]any{"chat": chat, "text": text}
	if timestamp > 0 {
		body["timestamp"] = timestamp
	}
	var out relaychat.ChatMessage
	err := c.doJSON(ctx, http.MethodPost, "/v1/messages", body, &out)
	return out, err
}

func (c *Client) Acknowledge(ctx context.Context, chat relaychat.ChatID, id relaychat.MessageID) error {
	return c.doJSON(ctx, http.MethodPost, messagePath(chat, id, "received"), nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, chat relaychat.ChatID, id relaychat.MessageID) error {
	return c.doJSON(ctx, http.MethodPost, messagePath(chat, id, "read"), nil, nil)
}

func (c *Client) React(ctx context.Context, chat relaychat.ChatID, id relaychat.MessageID, emoji string) (relaychat.ChatMessage, error) {
	var out relaychat.ChatMessage
	err := c.doJSON(ctx, http.MethodPost, messagePath(chat, id, "reactions"), map[string]any{"emoji": emoji}, &out)
	return out, err
}

func (c *Client) Announce(ctx context.Context, chat relaychat.ChatID, text string) (relaychat.Banner, error) {
	var out relaychat.Banner
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/chats/%d/banner", chat), map[string]any{"text": text}, &out)
	return out, err
}

func (c *Client) ListChats(ctx context.Context) ([]relaychat.ChatID, error) {
	var out struct {
		Chats []relaychat.ChatID `json:"chats"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/mailbox/chats", nil, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

func (c *Client) ListMailbox(ctx context.Context, chat relaychat.ChatID, query MailboxQuery) ([]relaychat.MailboxEntry, error) {
	q := url.Values{}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.After != nil {
		q.Set("after", strconv.FormatInt(*query.After, 10))
	}
	if query.Before != nil {
		q.Set("before", strconv.FormatInt(*query.Before, 10))
	}
	path := fmt.Sprintf("/v1/mailbox/chats/%d", chat)
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out struct {
		Entries []relaychat.MailboxEntry `json:"entries"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *Client) GetMailboxEntry(ctx context.Context, chat relaychat.ChatID, id relaychat.MessageID) (relaychat.MailboxEntry, error) {
	var out relaychat.MailboxEntry
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/mailbox/chats/%d/messages/%d", chat, id), nil, &out)
	return out, err
}

func messagePath(chat relaychat.ChatID, id relaychat.MessageID, action string) string {
	return fmt.Sprintf("/v1/chats/%d/messages/%d/%s", chat, id, action)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeHTTPError(resp.StatusCode, payloadBytes)
	}
}

func decodeHTTPError(status int, payload []byte) error {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{
		StatusCode: status,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

func correlationID() string {
	return "client_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
