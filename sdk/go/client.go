package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"dvbsboard/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the scoreboard HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, target any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, target)
}

// Boards fetches every board, the selection and its chart.
func (c *Client) Boards(ctx context.Context) (Boards, error) {
	var b Boards
	err := c.do(ctx, http.MethodGet, "/boards", nil, &b)
	return b, err
}

// Series fetches the chart for day ("" for the current selection).
func (c *Client) Series(ctx context.Context, day string) (Series, error) {
	q := url.Values{}
	if day != "" {
		q.Set("day", day)
	}
	var s Series
	err := c.do(ctx, http.MethodGet, "/series", q, &s)
	return s, err
}

// SelectDay switches the dashboard selection and returns the new chart.
func (c *Client) SelectDay(ctx context.Context, day string) (Series, error) {
	var body struct {
		Series Series `json:"series"`
	}
	err := c.do(ctx, http.MethodPost, "/selection", url.Values{"day": {day}}, &body)
	return body.Series, err
}

// AddPoints adds delta to a board's score for day ("" for the selection) and
// returns the new value.
func (c *Client) AddPoints(ctx context.Context, board, day string, delta int64) (int64, error) {
	if strings.TrimSpace(board) == "" {
		return 0, ErrEmptyBoard
	}
	q := url.Values{"delta": {fmt.Sprintf("%d", delta)}}
	if day != "" {
		q.Set("day", day)
	}
	var body struct {
		Value int64 `json:"value"`
	}
	err := c.do(ctx, http.MethodPost, "/boards/"+url.PathEscape(board)+"/points", q, &body)
	return body.Value, err
}

// Roster lists today's present students, optionally filtered.
func (c *Client) Roster(ctx context.Context, group, query string) (Roster, error) {
	q := url.Values{}
	if group != "" {
		q.Set("group", group)
	}
	if query != "" {
		q.Set("q", query)
	}
	var r Roster
	err := c.do(ctx, http.MethodGet, "/roster", q, &r)
	return r, err
}

// AddRecitationPoint awards one point to a present student.
func (c *Client) AddRecitationPoint(ctx context.Context, group, prefix string) (Student, error) {
	if strings.TrimSpace(group) == "" {
		return Student{}, ErrEmptyBoard
	}
	var s Student
	path := fmt.Sprintf("/roster/%s/%s/points", url.PathEscape(group), url.PathEscape(prefix))
	err := c.do(ctx, http.MethodPost, path, nil, &s)
	return s, err
}

// Schedule fetches a group's program.
func (c *Client) Schedule(ctx context.Context, group string) (Schedule, error) {
	if strings.TrimSpace(group) == "" {
		return Schedule{}, ErrEmptyBoard
	}
	var s Schedule
	err := c.do(ctx, http.MethodGet, "/schedule/"+url.PathEscape(group), nil, &s)
	return s, err
}

// Stats fetches event counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.do(ctx, http.MethodGet, "/stats", nil, &s)
	return s, err
}

// Health probes /healthz and returns status + storage check.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &hs)
	return hs, err
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// The returned channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, c.headers)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 32)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var evt core.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				// drop if consumer is slow
			}
		}
	}()
	return out, nil
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		// leave as-is for custom schemes
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
