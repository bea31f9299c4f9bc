package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/sidooh/merchants-gateway/internal/guard"
	"github.com/sidooh/merchants-gateway/internal/session"
)

const sessionLocal = "portal_session"

// SessionResolver authenticates the bearer token (when present) and stores
// the resolved session in request locals. It never rejects on its own:
// classifying an anonymous request is the guard's job.
func SessionResolver(machine *session.Machine, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		bearer := bearerToken(c)
		if bearer == "" {
			return c.Next()
		}

		s, err := machine.Resolve(c.UserContext(), bearer)
		switch {
		case err == nil:
			c.Locals(sessionLocal, s)
		case errors.Is(err, session.ErrNotFound),
			errors.Is(err, session.ErrBadToken),
			errors.Is(err, session.ErrExpired):
			// Anonymous; guards redirect as needed.
		default:
			logger.Error("resolve session", "error", err)
			return fiber.NewError(http.StatusServiceUnavailable, "session store unavailable")
		}
		return c.Next()
	}
}

// SessionFrom returns the session resolved for this request, if any.
func SessionFrom(c *fiber.Ctx) (session.Session, bool) {
	s, ok := c.Locals(sessionLocal).(session.Session)
	return s, ok
}

// Guard enforces a route class. Denied requests receive the guard decision
// as JSON so the SPA router can navigate to the redirect target.
//
// On allowed protected requests a backing token inside the refresh margin
// triggers a background refresh; navigation never blocks on it.
func Guard(machine *session.Machine, class guard.RouteClass, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		snap := session.Anonymous()
		if s, ok := SessionFrom(c); ok {
			snap = machine.Snap(s)
		}

		decision := guard.Decide(class, snap)
		if !decision.Allow {
			return c.Status(statusFor(decision.Redirect)).JSON(decision)
		}

		if class == guard.Protected && machine.NeedsRefresh(snap) {
			sid := snap.ID
			go func() {
				if err := machine.RefreshExpiry(context.Background(), sid); err != nil {
					logger.Warn("background token refresh", "session_id", sid, "error", err)
				}
			}()
		}
		return c.Next()
	}
}

// statusFor picks the HTTP status that matches the redirect semantics:
// missing authentication progress versus being on the wrong screen.
func statusFor(target string) int {
	switch strings.SplitN(target, "?", 2)[0] {
	case guard.LoginRoute, guard.OTPRoute, guard.PinConfirmationRoute:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

func bearerToken(c *fiber.Ctx) string {
	authz := c.Get(fiber.HeaderAuthorization)
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("Bearer "):])
}
