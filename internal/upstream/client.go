// Package upstream is the broker's OAuth client toward the wrapped
// provider: it runs the code exchange and refresh legs and carries
// authenticated API calls for the tool executor.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Config holds the upstream provider settings.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	RedirectURL  string
	Scopes       []string
	Timeout      time.Duration
}

// Token is the upstream token set held (encrypted) by the broker. The
// downstream client never sees any of these fields.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Client exchanges and refreshes tokens with the upstream provider and
// performs authenticated API calls against it.
type Client struct {
	oauthCfg   *oauth2.Config
	httpClient *http.Client
	apiBase    string
	timeout    time.Duration
	logger     *zap.Logger
}

// New creates an upstream client.
func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		apiBase: strings.TrimRight(cfg.APIBaseURL, "/"),
		timeout: timeout,
		logger:  logger,
	}
}

// AuthCodeURL builds the provider's authorization URL carrying the
// broker's encoded state blob.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauthCfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange swaps an upstream authorization code for a token set.
func (c *Client) Exchange(ctx context.Context, code string) (*Token, error) {
	ctx, cancel := c.boundedContext(ctx)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.oauthCfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("upstream code exchange failed: %w", err)
	}
	return fromOAuth2Token(tok), nil
}

// Refresh obtains a fresh upstream token set from a refresh token.
// Providers that do not rotate refresh tokens return the old one back.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	ctx, cancel := c.boundedContext(ctx)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	source := c.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("upstream token refresh failed: %w", err)
	}
	result := fromOAuth2Token(tok)
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}
	return result, nil
}

// Get performs an authenticated GET against the upstream API.
func (c *Client) Get(ctx context.Context, accessToken, path string) ([]byte, error) {
	return c.Do(ctx, accessToken, http.MethodGet, path, nil)
}

// Do performs an authenticated request against the upstream API. A
// non-nil body is sent as JSON.
func (c *Client) Do(ctx context.Context, accessToken, method, path string, body interface{}) ([]byte, error) {
	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("upstream API error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("upstream API returned %d: %s", resp.StatusCode, truncate(string(data), 256))
	}
	return data, nil
}

func (c *Client) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func fromOAuth2Token(tok *oauth2.Token) *Token {
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
