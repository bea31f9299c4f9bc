package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sidooh/merchants-gateway/internal/upstream"
)

// fallbackLifetime is assumed when the accounts service issues a token
// whose expiry claim cannot be read.
const fallbackLifetime = 15 * time.Minute

// Provider authenticates against the accounts service with the configured
// service account and caches the resulting bearer token. Refresh is
// proactive: a token inside the margin is replaced before callers can hit
// hard expiry. A hard-expired token is never retried, only replaced.
type Provider struct {
	mu sync.Mutex

	httpClient *http.Client
	signInURL  string
	email      string
	password   string
	margin     time.Duration
	logger     *slog.Logger
	nowTime    func() time.Time

	token     string
	issuedAt  time.Time
	expiresAt time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithNowTime sets the clock function (for tests).
func WithNowTime(now func() time.Time) Option {
	return func(p *Provider) {
		p.nowTime = now
	}
}

// New builds a service token provider. accountsURL is the accounts service
// base URL; margin is how long before expiry a refresh is triggered.
func New(accountsURL, email, password string, margin time.Duration, logger *slog.Logger, options ...Option) *Provider {
	p := &Provider{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		signInURL:  accountsURL + "/users/signin",
		email:      email,
		password:   password,
		margin:     margin,
		logger:     logger,
		nowTime:    time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Token returns a bearer token valid for at least the refresh margin,
// re-authenticating when needed. When a proactive refresh fails but the
// cached token is still inside its lifetime, the cached token is returned
// and the failure only logged; callers are never blocked by a refresh that
// can still be retried later.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowTime()

	if p.token != "" && now.Before(p.expiresAt.Add(-p.margin)) {
		return p.token, nil
	}

	err := p.authenticate(ctx)
	if err == nil {
		return p.token, nil
	}

	if p.token != "" && now.Before(p.expiresAt) {
		p.logger.Warn("proactive token refresh failed, serving cached token", "error", err)
		return p.token, nil
	}
	return "", err
}

// Expiry reports the hard expiry of the cached token.
func (p *Provider) Expiry() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expiresAt
}

// Invalidate drops the cached token so the next Token call re-authenticates.
// Called after an upstream rejects the token outright.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expiresAt = time.Time{}
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInResponse struct {
	AccessToken string `json:"access_token"`
}

// authenticate performs the sign-in call. Callers hold p.mu.
func (p *Provider) authenticate(ctx context.Context) error {
	payload, err := json.Marshal(signInRequest{Email: p.email, Password: p.password})
	if err != nil {
		return fmt.Errorf("encode sign-in request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.signInURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sign-in request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: sign-in: %v", upstream.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return upstream.ErrRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: sign-in returned %d", upstream.ErrServer, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: service account sign-in returned %d", upstream.ErrUnauthorized, resp.StatusCode)
	}

	var body signInResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode sign-in response: %w", err)
	}
	if body.AccessToken == "" {
		return fmt.Errorf("%w: sign-in response missing access token", upstream.ErrServer)
	}

	now := p.nowTime()
	p.token = body.AccessToken
	p.issuedAt = now
	p.expiresAt = tokenExpiry(body.AccessToken, now)

	p.logger.Info("service token refreshed", "expires_at", p.expiresAt.UTC())
	return nil
}

// tokenExpiry reads the exp claim from the JWT. The gateway holds no
// upstream signing key, so the claim is read without signature checks; the
// accounts service remains the authority on actual validity.
func tokenExpiry(raw string, now time.Time) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return now.Add(fallbackLifetime)
}
