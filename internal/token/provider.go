// Package token acquires and caches access tokens for the cloud providers.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Provider supplies a valid access token on demand.
type Provider interface {
	// Token returns a cached token, fetching a fresh one when expired.
	Token(ctx context.Context) (string, error)
	// Refresh discards the cache and fetches a new token.
	Refresh(ctx context.Context) (string, error)
}

// expirySlack refreshes tokens slightly before the provider-reported expiry.
const expirySlack = 60 * time.Second

// OAuthProvider implements Provider against a client-credentials token
// endpoint. Safe for concurrent use.
type OAuthProvider struct {
	tokenURL string
	apiKey   string
	secret   string
	httpc    *http.Client
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewOAuthProvider creates a provider for the given token endpoint.
func NewOAuthProvider(tokenURL, apiKey, secret string, logger *zap.Logger) *OAuthProvider {
	return &OAuthProvider{
		tokenURL: tokenURL,
		apiKey:   apiKey,
		secret:   secret,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		now:      time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       string `json:"error"`
	ErrorDesc   string `json:"error_description"`
}

// Token returns the cached token if still valid, otherwise fetches a new one.
func (p *OAuthProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.expiry) {
		return p.token, nil
	}
	return p.fetchLocked(ctx)
}

// Refresh forces a new token fetch regardless of cache state.
func (p *OAuthProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	return p.fetchLocked(ctx)
}

func (p *OAuthProvider) fetchLocked(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.apiKey)
	form.Set("client_secret", p.secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.tokenURL+"?"+form.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}

	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.Error != "" {
		return "", fmt.Errorf("token endpoint error %s: %s", tr.Error, tr.ErrorDesc)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty token")
	}

	p.token = tr.AccessToken
	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl > expirySlack {
		ttl -= expirySlack
	}
	p.expiry = p.now().Add(ttl)

	p.logger.Info("access token refreshed", zap.Duration("ttl", ttl))
	return p.token, nil
}
