// Package client talks to a running relay's admin API. The CLI's queue and
// dlq commands and the watch dashboard use it so the relay stays the only
// writer of its store.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/hookrelay/internal/api"
	"github.com/mattjoyce/hookrelay/internal/events"
)

// DefaultTimeout bounds non-streaming requests.
const DefaultTimeout = 10 * time.Second

// APIError is a non-2xx admin API response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("admin api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("admin api returned %d: %s", e.StatusCode, e.Message)
}

// Client is an admin API client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
}

// New returns a client for the admin API at baseURL ("http://127.0.0.1:8081").
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: DefaultTimeout},
		stream:  &http.Client{},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends a request and decodes a JSON body into out. okStatus lists
// statuses that carry a decodable body besides 2xx.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any, okStatus ...int) (int, error) {
	req, err := c.newRequest(ctx, method, path, query)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, s := range okStatus {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		var e api.ErrorResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(body, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(body))
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	_, err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Ready returns the readiness report. A 503 is not an error; check Status.
func (c *Client) Ready(ctx context.Context) (api.ReadyResponse, error) {
	var out api.ReadyResponse
	_, err := c.do(ctx, http.MethodGet, "/ready", nil, &out, http.StatusServiceUnavailable)
	return out, err
}

func (c *Client) Queue(ctx context.Context, limit int) (api.QueueResponse, error) {
	var out api.QueueResponse
	_, err := c.do(ctx, http.MethodGet, "/admin/queue", limitQuery(limit), &out)
	return out, err
}

func (c *Client) DLQ(ctx context.Context, limit int) (api.DLQResponse, error) {
	var out api.DLQResponse
	_, err := c.do(ctx, http.MethodGet, "/admin/dlq", limitQuery(limit), &out)
	return out, err
}

func (c *Client) Replay(ctx context.Context, eventID string) (api.ReplayResponse, error) {
	var out api.ReplayResponse
	_, err := c.do(ctx, http.MethodPost, "/admin/dlq/replay/"+url.PathEscape(eventID), nil, &out)
	return out, err
}

func (c *Client) Audit(ctx context.Context, limit int) (api.AuditResponse, error) {
	var out api.AuditResponse
	_, err := c.do(ctx, http.MethodGet, "/admin/audit", limitQuery(limit), &out)
	return out, err
}

// Events returns buffered activity with ids greater than since.
func (c *Client) Events(ctx context.Context, since int64) ([]events.Event, error) {
	var out api.EventsResponse
	q := url.Values{"since": {strconv.FormatInt(since, 10)}}
	_, err := c.do(ctx, http.MethodGet, "/admin/events", q, &out)
	return out.Events, err
}

// Subscribe streams activity over SSE, starting after lastID, until ctx is
// cancelled or the connection drops. The caller owns ch.
func (c *Client) Subscribe(ctx context.Context, lastID int64, ch chan<- events.Event) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/admin/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode}
	}

	return readSSE(ctx, resp.Body, ch)
}

func readSSE(ctx context.Context, r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	var current events.Event

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(current.Data) > 0 {
				current.At = time.Now()
				select {
				case ch <- current:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			current = events.Event{}
			continue
		}

		switch {
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(line[6:])
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ctx.Err()
}
