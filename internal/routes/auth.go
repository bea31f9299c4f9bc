package routes

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/sidooh/merchants-gateway/internal/auth"
	"github.com/sidooh/merchants-gateway/internal/guard"
	"github.com/sidooh/merchants-gateway/internal/middleware"
	"github.com/sidooh/merchants-gateway/internal/session"
)

// RegisterAuthRoutes wires the sign-in flow. State preconditions (OTP only
// after credentials, PIN only from an idle lock) are enforced by the session
// machine itself, so most endpoints carry no guard middleware.
func RegisterAuthRoutes(r fiber.Router, h *auth.Handler, machine *session.Machine, rateLimiter fiber.Handler, logger *slog.Logger) {
	grp := r.Group("/auth")

	grp.Post("/login", rateLimiter, h.Login)
	grp.Post("/otp/verify", h.VerifyOTP)
	grp.Post("/otp/resend", h.ResendOTP)
	grp.Post("/pin/confirm", h.ConfirmPIN)
	grp.Post("/logout", h.Logout)

	grp.Get("/session", h.Session)
	grp.Post("/activity", h.Activity)
	grp.Get("/navigate", h.Navigate)

	grp.Get("/events", middleware.Guard(machine, guard.Protected, logger), h.Events)
}
