package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	tokenPath         = "/oauth/v1/generate?grant_type=client_credentials"
	tokenExpiryMargin = 300 * time.Second
)

type TokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// TokenCache stores the bearer token between calls. Implementations must be
// safe for concurrent use.
type TokenCache interface {
	Get(ctx context.Context) (string, bool)
	Set(ctx context.Context, token string, ttl time.Duration)
	Invalidate(ctx context.Context)
}

// TokenSource performs the client-credentials exchange and caches the result
// for its stated lifetime.
type TokenSource struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	httpClient     *http.Client
	cache          TokenCache
	logger         *zap.Logger

	mu sync.Mutex
}

func NewTokenSource(baseURL, consumerKey, consumerSecret string, httpClient *http.Client, cache TokenCache, logger *zap.Logger) *TokenSource {
	if cache == nil {
		cache = NewMemoryTokenCache()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenSource{
		baseURL:        strings.TrimRight(baseURL, "/"),
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		httpClient:     httpClient,
		cache:          cache,
		logger:         logger,
	}
}

// Token returns the cached bearer token, fetching a new one when the cache is
// empty or expired.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if token, ok := s.cache.Get(ctx); ok {
		return token, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if token, ok := s.cache.Get(ctx); ok {
		return token, nil
	}
	return s.fetch(ctx)
}

// Refresh discards the cached token and fetches a new one.
func (s *TokenSource) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Invalidate(ctx)
	return s.fetch(ctx)
}

func (s *TokenSource) fetch(ctx context.Context) (string, error) {
	s.logger.Debug("fetching new M-Pesa access token")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+tokenPath, nil)
	if err != nil {
		return "", &GatewayError{Kind: KindAuthFailed, Message: "failed to build token request", Err: err}
	}
	req.SetBasicAuth(s.consumerKey, s.consumerSecret)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &GatewayError{Kind: KindAuthFailed, Message: "token request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &GatewayError{Kind: KindAuthFailed, Message: "failed to read token response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &GatewayError{
			Kind:       KindAuthFailed,
			Message:    fmt.Sprintf("token endpoint returned status %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Detail:     string(body),
		}
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", &GatewayError{Kind: KindAuthFailed, Message: "failed to decode token response", Detail: string(body), Err: err}
	}
	if tokenResp.AccessToken == "" {
		return "", &GatewayError{Kind: KindAuthFailed, Message: "token response has no access_token", Detail: string(body)}
	}

	s.cache.Set(ctx, tokenResp.AccessToken, tokenTTL(tokenResp.ExpiresIn))
	s.logger.Info("fetched and cached M-Pesa access token")

	return tokenResp.AccessToken, nil
}

func tokenTTL(expiresIn json.Number) time.Duration {
	secs, err := expiresIn.Int64()
	if err != nil || secs <= 0 {
		return 0
	}
	ttl := time.Duration(secs) * time.Second
	if ttl > 2*tokenExpiryMargin {
		return ttl - tokenExpiryMargin
	}
	return ttl / 2
}

// MemoryTokenCache keeps the token in process memory.
type MemoryTokenCache struct {
	mu     sync.RWMutex
	token  string
	expiry time.Time
	now    func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{now: time.Now}
}

func (c *MemoryTokenCache) Get(_ context.Context) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.token != "" && c.now().Before(c.expiry) {
		return c.token, true
	}
	return "", false
}

func (c *MemoryTokenCache) Set(_ context.Context, token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = token
	c.expiry = c.now().Add(ttl)
}

func (c *MemoryTokenCache) Invalidate(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = ""
	c.expiry = time.Time{}
}
