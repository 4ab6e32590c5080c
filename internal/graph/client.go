// Package graph is the resilient client for the remote workbook API. Every
// call goes through one request function that authenticates, rate limits and
// retries transient failures.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/rzpsarthak13/sheetsync/internal/config"
)

// Client talks to the remote workbook API on behalf of one drive user.
type Client struct {
	cfg        config.GraphConfig
	baseURL    string
	httpClient *http.Client
	tokens     *TokenCache
	fetcher    TokenFetcher
	limiter    *rate.Limiter
	policy     RetryPolicy
	sleep      Sleeper
	now        func() time.Time
	cache      *ResourceCache
	provision  singleflight.Group
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for API and token calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleep replaces the wait between retries.
func WithSleep(sleep Sleeper) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithClock replaces the clock used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithTokenFetcher replaces the client-credentials exchange.
func WithTokenFetcher(fetch TokenFetcher) Option {
	return func(c *Client) { c.fetcher = fetch }
}

// WithLimiter replaces the outbound request limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithResourceCache shares a provisioning cache between clients.
func WithResourceCache(cache *ResourceCache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client from the graph configuration.
func New(cfg config.GraphConfig, opts ...Option) (*Client, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("graph user id is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("graph base url is required")
	}

	policy := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		policy.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		policy.MaxDelay = cfg.MaxDelay
	}

	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		policy:  policy,
		sleep:   sleepContext,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if c.cache == nil {
		c.cache = NewResourceCache()
	}
	if c.limiter == nil {
		c.limiter = newLimiter(cfg.RequestsPerSecond)
	}
	if c.fetcher == nil {
		c.fetcher = ClientCredentialsFetcher(TokenURL(cfg.Authority, cfg.TenantID), cfg.ClientID, cfg.ClientSecret, cfg.Scope, c.httpClient)
	}
	c.logger = c.logger.With().Str("component", "graph").Logger()

	fetch := c.fetcher
	c.tokens = NewTokenCache(func(ctx context.Context) (*oauth2.Token, error) {
		return retry(ctx, c.policy, c.sleep, c.logger, "token", fetch)
	}, cfg.TokenRefreshMargin)
	c.tokens.now = func() time.Time { return c.now() }

	return c, nil
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
}

// request is one outbound call. Body is sent as JSON unless ContentType is
// set, in which case it must be []byte.
type request struct {
	Method      string
	Path        string
	Body        any
	ContentType string
}

// do executes req with authentication, rate limiting and retries and returns
// the response body.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	var payload []byte
	contentType := req.ContentType
	switch body := req.Body.(type) {
	case nil:
	case []byte:
		payload = body
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s %s body: %w", req.Method, req.Path, err)
		}
		payload = data
		if contentType == "" {
			contentType = "application/json"
		}
	}

	op := req.Method + " " + req.Path
	return retry(ctx, c.policy, c.sleep, c.logger, op, func(ctx context.Context) ([]byte, error) {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire access token: %w", err)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
		if err != nil {
			return nil, fmt.Errorf("failed to build request %s: %w", op, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
		if contentType != "" {
			httpReq.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response of %s: %w", op, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &APIError{
				StatusCode: resp.StatusCode,
				Method:     req.Method,
				Path:       req.Path,
				Body:       string(data),
				RetryAfter: parseRetryAfter(resp.Header),
			}
		}
		c.logger.Debug().Str("method", req.Method).Str("path", req.Path).Int("status", resp.StatusCode).Msg("graph request")
		return data, nil
	})
}

// doJSON executes req and decodes a JSON response into out when out is not
// nil.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	data, err := c.do(ctx, request{Method: method, Path: path, Body: in})
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) userPath() string {
	return "/users/" + url.PathEscape(c.cfg.UserID)
}

func (c *Client) itemPath(itemID string) string {
	return c.userPath() + "/drive/items/" + url.PathEscape(itemID)
}

func (c *Client) tablePath(itemID, table string) string {
	return c.itemPath(itemID) + "/workbook/tables/" + url.PathEscape(table)
}
