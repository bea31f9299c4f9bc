package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sidooh/merchants-gateway/internal/logging"
	"github.com/sidooh/merchants-gateway/internal/upstream"
)

func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString([]byte("upstream-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type signInServer struct {
	t         *testing.T
	calls     atomic.Int32
	mu        sync.Mutex
	responder func(w http.ResponseWriter)
}

func newSignInServer(t *testing.T, exp time.Time) (*signInServer, *httptest.Server) {
	s := &signInServer{t: t}
	s.respondWithToken(exp)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/signin" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req signInRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
			t.Errorf("bad sign-in payload: %v", err)
		}
		s.calls.Add(1)
		s.mu.Lock()
		respond := s.responder
		s.mu.Unlock()
		respond(w)
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *signInServer) respondWithToken(exp time.Time) {
	token := mintToken(s.t, exp)
	s.mu.Lock()
	s.responder = func(w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(signInResponse{AccessToken: token})
	}
	s.mu.Unlock()
}

func (s *signInServer) respondWithStatus(status int) {
	s.mu.Lock()
	s.responder = func(w http.ResponseWriter) {
		w.WriteHeader(status)
	}
	s.mu.Unlock()
}

func TestTokenCachedUntilMargin(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	srv, ts := newSignInServer(t, now.Add(time.Hour))
	p := New(ts.URL, "merchants@sidooh.io", "secret", 3*time.Minute, logging.Discard(), WithNowTime(clock))

	first, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	second, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if first != second {
		t.Fatal("expected cached token on second call")
	}
	if srv.calls.Load() != 1 {
		t.Fatalf("expected 1 sign-in, got %d", srv.calls.Load())
	}
	if !p.Expiry().Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", p.Expiry())
	}
}

func TestTokenRefreshesInsideMargin(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	srv, ts := newSignInServer(t, now.Add(time.Hour))
	p := New(ts.URL, "merchants@sidooh.io", "secret", 3*time.Minute, logging.Discard(), WithNowTime(clock))

	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}

	// Move inside the margin; the next call must re-authenticate.
	now = now.Add(time.Hour - 2*time.Minute)
	srv.respondWithToken(now.Add(time.Hour))
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	if srv.calls.Load() != 2 {
		t.Fatalf("expected 2 sign-ins, got %d", srv.calls.Load())
	}
}

func TestTokenServesCachedWhenRefreshFails(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	srv, ts := newSignInServer(t, now.Add(time.Hour))
	p := New(ts.URL, "merchants@sidooh.io", "secret", 3*time.Minute, logging.Discard(), WithNowTime(clock))

	cached, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	// Refresh fails inside the margin but the cached token is still alive:
	// serve it rather than failing the caller.
	now = now.Add(time.Hour - time.Minute)
	srv.respondWithStatus(http.StatusInternalServerError)
	got, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if got != cached {
		t.Fatal("expected cached token while refresh fails")
	}

	// Past hard expiry the failure surfaces.
	now = now.Add(2 * time.Minute)
	if _, err := p.Token(context.Background()); !errors.Is(err, upstream.ErrServer) {
		t.Fatalf("expected ErrServer, got %v", err)
	}
}

func TestTokenInvalidateForcesReauth(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	srv, ts := newSignInServer(t, now.Add(time.Hour))
	p := New(ts.URL, "merchants@sidooh.io", "secret", 3*time.Minute, logging.Discard(), WithNowTime(clock))

	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	p.Invalidate()
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	if srv.calls.Load() != 2 {
		t.Fatalf("expected 2 sign-ins after invalidate, got %d", srv.calls.Load())
	}
}

func TestTokenRejectedCredentials(t *testing.T) {
	srv, ts := newSignInServer(t, time.Now().Add(time.Hour))
	srv.respondWithStatus(http.StatusUnauthorized)

	p := New(ts.URL, "merchants@sidooh.io", "wrong", 3*time.Minute, logging.Discard())
	if _, err := p.Token(context.Background()); !errors.Is(err, upstream.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestTokenExpiryFallback(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	if got := tokenExpiry("not-a-jwt", now); !got.Equal(now.Add(fallbackLifetime)) {
		t.Fatalf("expected fallback lifetime, got %v", got)
	}
}
