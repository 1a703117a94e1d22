// Package sdk is a typed client for the yieldkit HTTP and WebSocket API.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"yieldkit/analytics"
	"yieldkit/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the yieldkit HTTP + WebSocket API.
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

type awardBody struct {
	EventID string `json:"event_id,omitempty"`
	Points  int64  `json:"points"`
	Source  string `json:"source,omitempty"`
}

// RecordTask reports a completed task worth points. eventID keys the referral
// commission; leave it empty to let the server assign one.
func (c *Client) RecordTask(ctx context.Context, userID, eventID string, points int64) (AwardResult, error) {
	var res AwardResult
	err := c.userCall(ctx, http.MethodPost, userID, "/tasks", awardBody{EventID: eventID, Points: points}, &res)
	return res, err
}

// AwardPoints grants points without counting a task. source is "task" or
// "bonus"; only task points pay commission.
func (c *Client) AwardPoints(ctx context.Context, userID, eventID string, points int64, source string) (AwardResult, error) {
	var res AwardResult
	err := c.userCall(ctx, http.MethodPost, userID, "/points", awardBody{EventID: eventID, Points: points, Source: source}, &res)
	return res, err
}

// GetUser fetches the stored state of a user.
func (c *Client) GetUser(ctx context.Context, userID string) (core.UserState, error) {
	var st core.UserState
	err := c.userCall(ctx, http.MethodGet, userID, "", nil, &st)
	return st, err
}

// Progress fetches the user's level progress.
func (c *Client) Progress(ctx context.Context, userID string) (Progress, error) {
	var p Progress
	err := c.userCall(ctx, http.MethodGet, userID, "/progress", nil, &p)
	return p, err
}

// Refer links referredID to referrerID.
func (c *Client) Refer(ctx context.Context, referrerID, referredID string) (core.Referral, error) {
	var ref core.Referral
	body := map[string]string{"referred_id": referredID}
	err := c.userCall(ctx, http.MethodPost, referrerID, "/referrals", body, &ref)
	return ref, err
}

// Referral returns the referral of a referred user.
func (c *Client) Referral(ctx context.Context, userID string) (core.Referral, error) {
	var ref core.Referral
	err := c.userCall(ctx, http.MethodGet, userID, "/referral", nil, &ref)
	return ref, err
}

// Commissions lists the commission ledger of a referrer, newest first.
func (c *Client) Commissions(ctx context.Context, referrerID string) ([]core.CommissionTransaction, error) {
	var body struct {
		Transactions []core.CommissionTransaction `json:"transactions"`
	}
	err := c.userCall(ctx, http.MethodGet, referrerID, "/commissions", nil, &body)
	return body.Transactions, err
}

// ClaimPhoenixWelcome reports whether the one-time top-tier welcome should be
// shown now.
func (c *Client) ClaimPhoenixWelcome(ctx context.Context, userID string) (bool, error) {
	var body struct {
		Show bool `json:"show"`
	}
	err := c.userCall(ctx, http.MethodPost, userID, "/welcome/phoenix", nil, &body)
	return body.Show, err
}

// Tiers returns the server's tier table.
func (c *Client) Tiers(ctx context.Context) ([]core.TierDefinition, error) {
	var body struct {
		Tiers []core.TierDefinition `json:"tiers"`
	}
	err := c.call(ctx, http.MethodGet, "/tiers", nil, &body)
	return body.Tiers, err
}

// Leaderboard returns the top limit users.
func (c *Client) Leaderboard(ctx context.Context, limit int) (Leaderboard, error) {
	var lb Leaderboard
	err := c.call(ctx, http.MethodGet, "/leaderboard?limit="+strconv.Itoa(limit), nil, &lb)
	return lb, err
}

// Rank returns a user's leaderboard position.
func (c *Client) Rank(ctx context.Context, userID string) (LeaderboardEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return LeaderboardEntry{}, ErrEmptyUserID
	}
	var e LeaderboardEntry
	err := c.call(ctx, http.MethodGet, "/leaderboard/"+url.PathEscape(userID), nil, &e)
	return e, err
}

// Stats returns the activity summary for the current daily, weekly or
// monthly period.
func (c *Client) Stats(ctx context.Context, period analytics.AggregationPeriod) (analytics.AggregatedData, error) {
	var data analytics.AggregatedData
	path := "/stats"
	if period != "" {
		path += "?period=" + url.QueryEscape(string(period))
	}
	err := c.call(ctx, http.MethodGet, path, nil, &data)
	return data, err
}

// PublishEvent posts an inbound points_earned event.
func (c *Client) PublishEvent(ctx context.Context, ev core.InboundEvent) (AwardResult, error) {
	if ev.Type == "" {
		ev.Type = core.EventPointsEarned
	}
	var res AwardResult
	err := c.call(ctx, http.MethodPost, "/events", ev, &res)
	return res, err
}

// Health calls /healthz and returns status + storage check.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	err := c.call(ctx, http.MethodGet, "/healthz", nil, &hs)
	return hs, err
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// A non-empty userID limits the stream to that user's events. The returned
// channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, userID string) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	target := c.wsURL
	if userID != "" {
		target += "?user=" + url.QueryEscape(userID)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, target, c.headers)
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
			}
		}
	}()
	return out, nil
}

func (c *Client) userCall(ctx context.Context, method, userID, suffix string, in, out any) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	return c.call(ctx, method, "/users/"+url.PathEscape(userID)+suffix, in, out)
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
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
