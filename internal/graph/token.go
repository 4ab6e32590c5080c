package graph

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenFetcher obtains a fresh access token.
type TokenFetcher func(ctx context.Context) (*oauth2.Token, error)

// TokenCache keeps the last access token and refreshes it once it is within
// margin of its expiry, so requests in flight never carry an expired token.
type TokenCache struct {
	mu     sync.Mutex
	fetch  TokenFetcher
	margin time.Duration
	now    func() time.Time
	token  *oauth2.Token
}

// NewTokenCache creates a token cache around fetch.
func NewTokenCache(fetch TokenFetcher, margin time.Duration) *TokenCache {
	return &TokenCache{fetch: fetch, margin: margin, now: time.Now}
}

// AccessToken returns a cached token or fetches a new one.
func (c *TokenCache) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != nil && c.token.AccessToken != "" &&
		(c.token.Expiry.IsZero() || c.now().Before(c.token.Expiry.Add(-c.margin))) {
		return c.token.AccessToken, nil
	}

	tok, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	if tok == nil || tok.AccessToken == "" {
		return "", errors.New("token endpoint returned no access token")
	}
	c.token = tok
	return tok.AccessToken, nil
}

// Invalidate drops the cached token.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// TokenURL returns the client-credentials endpoint of a tenant.
func TokenURL(authority, tenantID string) string {
	return strings.TrimSuffix(authority, "/") + "/" + tenantID + "/oauth2/v2.0/token"
}

// ClientCredentialsFetcher exchanges client credentials for a token through
// httpClient. Token endpoint failures are reported as *APIError so the retry
// policy classifies them like any other call.
func ClientCredentialsFetcher(tokenURL, clientID, clientSecret, scope string, httpClient *http.Client) TokenFetcher {
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return func(ctx context.Context) (*oauth2.Token, error) {
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		tok, err := cc.Token(ctx)
		if err == nil {
			return tok, nil
		}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, &APIError{
				StatusCode: re.Response.StatusCode,
				Method:     http.MethodPost,
				Path:       tokenURL,
				Body:       string(re.Body),
				RetryAfter: parseRetryAfter(re.Response.Header),
			}
		}
		return nil, err
	}
}
