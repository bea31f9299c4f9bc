package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxAuthAttempts bounds the re-authentication retries after an upstream
// 401; only the documented service-token refresh path retries at all.
const maxAuthAttempts = 2

// TokenSource supplies the service bearer token for upstream calls.
// Invalidate drops the cached token so the next call re-authenticates.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Client is a JSON-over-HTTP client for one Sidooh service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	logger     *slog.Logger
}

// NewClient builds a client for the service rooted at baseURL. tokens may be
// nil for unauthenticated endpoints.
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		logger:     logger,
	}
}

type errorBody struct {
	Message string `json:"message"`
}

// Do performs one JSON request, classifying failures into the package
// taxonomy. A 401 invalidates the service token and retries the call up to
// maxAuthAttempts times before surfacing ErrUnauthorized.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.tokens != nil {
			token, err := c.tokens.Token(ctx)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
		}

		status, message := drain(resp, out)

		switch {
		case status >= 200 && status < 300:
			return nil
		case status == http.StatusUnauthorized:
			if c.tokens != nil && attempt < maxAuthAttempts {
				c.logger.Warn("upstream rejected service token, re-authenticating",
					"method", method, "path", path, "attempt", attempt)
				c.tokens.Invalidate()
				continue
			}
			return ErrUnauthorized
		case status == http.StatusTooManyRequests:
			return ErrRateLimited
		case status >= 500:
			return fmt.Errorf("%w: %s %s returned %d", ErrServer, method, path, status)
		default:
			return &StatusError{Code: status, Message: message}
		}
	}
}

// drain decodes a successful body into out and extracts an error message
// otherwise. The body is always consumed so connections can be reused.
func drain(resp *http.Response, out any) (int, string) {
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			_ = json.NewDecoder(resp.Body).Decode(out)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, ""
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Message != "" {
		return resp.StatusCode, eb.Message
	}
	// Some services wrap validation failures in an errors array.
	var wrapped struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && len(wrapped.Errors) > 0 {
		return resp.StatusCode, wrapped.Errors[0].Message
	}
	return resp.StatusCode, ""
}
