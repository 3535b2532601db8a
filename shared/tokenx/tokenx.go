package tokenx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"urban-density-analytics/shared/metricsx"
)

const (
	// Tokens are refreshed this long before the server-reported expiry.
	expirySkew = 30 * time.Second
	// Floor for the cached lifetime when expires_in is very small.
	minLifetime = 5 * time.Second
	// Lifetime assumed when the server omits expires_in.
	defaultLifetime = 5 * time.Minute
)

// AuthError wraps a failed credential exchange against the upstream
// authorization server.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream auth failed: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("upstream auth failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

type Config struct {
	TokenURL      string
	ClientID      string
	ClientSecret  string
	DefaultScopes []string
	Audience      string
	Timeout       time.Duration
}

type entry struct {
	token     string
	expiresAt time.Time
}

// Cache hands out client-credentials bearer tokens, deduplicating
// concurrent exchanges for the same scope set and audience.
type Cache struct {
	cfg    Config
	http   *http.Client
	group  singleflight.Group
	mu     sync.Mutex
	tokens map[string]entry
	now    func() time.Time
}

func New(cfg Config) (*Cache, error) {
	if cfg.TokenURL == "" {
		return nil, errors.New("token url is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Cache{
		cfg: cfg,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tokens: make(map[string]entry),
		now:    time.Now,
	}, nil
}

// Token returns a cached access token for the scope set and audience,
// exchanging credentials only when no unexpired token is held. Empty
// scopes fall back to the configured defaults.
func (c *Cache) Token(ctx context.Context, scopes []string, audience string) (string, error) {
	if c == nil || c.http == nil {
		return "", errors.New("token cache not initialized")
	}
	if len(scopes) == 0 {
		scopes = c.cfg.DefaultScopes
	}
	if audience == "" {
		audience = c.cfg.Audience
	}
	key := cacheKey(scopes, audience)

	c.mu.Lock()
	if e, ok := c.tokens[key]; ok && c.now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		if e, ok := c.tokens[key]; ok && c.now().Before(e.expiresAt) {
			c.mu.Unlock()
			return e.token, nil
		}
		c.mu.Unlock()

		token, expiresAt, err := c.exchange(ctx, scopes, audience)
		if err != nil {
			metricsx.IncTokenExchange("failure")
			return "", err
		}
		metricsx.IncTokenExchange("success")

		c.mu.Lock()
		c.tokens[key] = entry{token: token, expiresAt: expiresAt}
		c.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token for the scope set and audience so
// the next call performs a fresh exchange.
func (c *Cache) Invalidate(scopes []string, audience string) {
	if c == nil {
		return
	}
	if len(scopes) == 0 {
		scopes = c.cfg.DefaultScopes
	}
	if audience == "" {
		audience = c.cfg.Audience
	}
	c.mu.Lock()
	delete(c.tokens, cacheKey(scopes, audience))
	c.mu.Unlock()
}

func (c *Cache) exchange(ctx context.Context, scopes []string, audience string) (string, time.Time, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	if audience != "" {
		form.Set("audience", audience)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", time.Time{}, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", time.Time{}, &AuthError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, &AuthError{Err: fmt.Errorf("decode token response: %w", err)}
	}
	if out.AccessToken == "" {
		return "", time.Time{}, &AuthError{Err: errors.New("token response missing access_token")}
	}

	issuedAt := c.now()
	lifetime := defaultLifetime
	if out.ExpiresIn > 0 {
		lifetime = time.Duration(out.ExpiresIn)*time.Second - expirySkew
		if lifetime < minLifetime {
			lifetime = minLifetime
		}
	}
	return out.AccessToken, issuedAt.Add(lifetime), nil
}

func cacheKey(scopes []string, audience string) string {
	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Strings(sorted)
	return strings.Join(sorted, " ") + "::" + audience
}
