package upstream

import (
	"errors"
	"fmt"
)

// Closed failure taxonomy for upstream calls. Every transport or HTTP
// failure is mapped into one of these at the client boundary; call sites
// never inspect raw status codes.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("service token rejected")
	ErrUnavailable        = errors.New("service unavailable")
	ErrServer             = errors.New("upstream server error")
)

// StatusError carries a non-2xx response that has no transport-level
// classification; endpoint methods map it to their domain sentinel.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("upstream status %d", e.Code)
}
