package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/sidooh/merchants-gateway/internal/audit"
	"github.com/sidooh/merchants-gateway/internal/guard"
	"github.com/sidooh/merchants-gateway/internal/middleware"
	"github.com/sidooh/merchants-gateway/internal/session"
	"github.com/sidooh/merchants-gateway/internal/upstream"
)

// safaricomRegex matches the phone formats the portal accepts at sign-in.
var safaricomRegex = regexp.MustCompile(`^(?:\+?254|0)?(7(?:[0129][0-9]|4[0-8]|5[7-9]|6[89])[0-9]{6})$`)

var otpRegex = regexp.MustCompile(`^[0-9]{6}$`)

var pinRegex = regexp.MustCompile(`^[0-9]{4}$`)

// Handler exposes the session lifecycle endpoints consumed by the portal
// SPA.
type Handler struct {
	machine  *session.Machine
	recorder *audit.Recorder
	logger   *slog.Logger
}

// NewHandler builds the auth handler.
func NewHandler(machine *session.Machine, recorder *audit.Recorder, logger *slog.Logger) *Handler {
	return &Handler{machine: machine, recorder: recorder, logger: logger}
}

type loginRequest struct {
	Phone   string `json:"phone"`
	StoreNo string `json:"store_no"`
}

type sessionResponse struct {
	Token    string                  `json:"token,omitempty"`
	Stage    session.CredentialStage `json:"stage"`
	Activity session.ActivityStage   `json:"activity"`
	User     *session.Identity       `json:"user,omitempty"`
}

// Login verifies the phone + store number pair and opens a session pending
// OTP verification.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if !safaricomRegex.MatchString(req.Phone) {
		return fiber.NewError(http.StatusUnprocessableEntity, "Invalid phone number")
	}
	if req.StoreNo == "" || len(req.StoreNo) > 20 {
		return fiber.NewError(http.StatusUnprocessableEntity, "Sidooh Store number is required.")
	}

	s, bearer, err := h.machine.SubmitCredentials(c.UserContext(), req.Phone, req.StoreNo)
	if err != nil {
		if errors.Is(err, session.ErrNotWhitelisted) {
			return c.Status(http.StatusForbidden).JSON(fiber.Map{
				"message":  "Your store is not yet enrolled for the Merchants web App.",
				"redirect": guard.WaitlistRoute,
			})
		}
		return h.fail(c, err)
	}

	return c.Status(http.StatusOK).JSON(sessionResponse{
		Token:    bearer,
		Stage:    s.Stage,
		Activity: session.ActivityActive,
		User:     &s.Identity,
	})
}

type otpRequest struct {
	OTP string `json:"otp"`
}

// VerifyOTP completes authentication with the one-time password.
func (h *Handler) VerifyOTP(c *fiber.Ctx) error {
	s, ok := middleware.SessionFrom(c)
	if !ok {
		return h.signedOut(c)
	}

	var req otpRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if !otpRegex.MatchString(req.OTP) {
		return fiber.NewError(http.StatusUnprocessableEntity, "Your one-time password must be 6 digits.")
	}

	verified, err := h.machine.SubmitOTP(c.UserContext(), s.ID, req.OTP)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrOTPMismatch):
			return fiber.NewError(http.StatusUnauthorized, "Invalid OTP!")
		case errors.Is(err, session.ErrOTPAttemptsExceeded):
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
				"message":  "Too many OTP attempts. Please sign in again.",
				"redirect": guard.LoginRoute,
			})
		default:
			return h.fail(c, err)
		}
	}

	return c.Status(http.StatusOK).JSON(sessionResponse{
		Stage:    verified.Stage,
		Activity: session.ActivityActive,
		User:     &verified.Identity,
	})
}

// ResendOTP regenerates the one-time password after the cooldown.
func (h *Handler) ResendOTP(c *fiber.Ctx) error {
	s, ok := middleware.SessionFrom(c)
	if !ok {
		return h.signedOut(c)
	}

	cooldown, err := h.machine.ResendOTP(c.UserContext(), s.ID)
	if err != nil {
		if errors.Is(err, session.ErrResendCooldown) {
			return c.Status(http.StatusTooManyRequests).JSON(fiber.Map{
				"message":     "Please wait before requesting another code.",
				"retry_after": int(cooldown / time.Second),
			})
		}
		return h.fail(c, err)
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"status":   "sent",
		"cooldown": int(cooldown / time.Second),
	})
}

type pinRequest struct {
	PIN string `json:"pin"`
}

// ConfirmPIN unlocks an idle session.
func (h *Handler) ConfirmPIN(c *fiber.Ctx) error {
	s, ok := middleware.SessionFrom(c)
	if !ok {
		return h.signedOut(c)
	}

	var req pinRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if !pinRegex.MatchString(req.PIN) {
		return fiber.NewError(http.StatusUnprocessableEntity, "Must be 4 digits")
	}

	unlocked, err := h.machine.ConfirmPIN(c.UserContext(), s.ID, req.PIN)
	if err != nil {
		if errors.Is(err, session.ErrPINMismatch) {
			return fiber.NewError(http.StatusUnauthorized, "Invalid Pin!")
		}
		return h.fail(c, err)
	}

	return c.Status(http.StatusOK).JSON(sessionResponse{
		Stage:    unlocked.Stage,
		Activity: session.ActivityActive,
		User:     &unlocked.Identity,
	})
}

// Logout clears the session. Calling it signed out is a successful no-op.
func (h *Handler) Logout(c *fiber.Ctx) error {
	if s, ok := middleware.SessionFrom(c); ok {
		if err := h.machine.Logout(c.UserContext(), s.ID); err != nil {
			return h.fail(c, err)
		}
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "logged_out"})
}

// Session reports the current snapshot: stage, activity, idle countdown and
// OTP cooldown. Anonymous requests get the signed-out snapshot.
func (h *Handler) Session(c *fiber.Ctx) error {
	s, ok := middleware.SessionFrom(c)
	if !ok {
		return c.Status(http.StatusOK).JSON(snapshotPayload(session.Anonymous()))
	}

	snap, err := h.machine.Current(c.UserContext(), s.ID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
			return c.Status(http.StatusOK).JSON(snapshotPayload(session.Anonymous()))
		}
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(snapshotPayload(snap))
}

// Activity registers user interaction, resetting the idle countdown.
func (h *Handler) Activity(c *fiber.Ctx) error {
	s, ok := middleware.SessionFrom(c)
	if !ok {
		return h.signedOut(c)
	}
	if err := h.machine.Touch(c.UserContext(), s.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return h.fail(c, err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// Navigate evaluates the route guard for a target path so the SPA router
// can ask before rendering.
func (h *Handler) Navigate(c *fiber.Ctx) error {
	class := guard.RouteClass(c.Query("class"))
	switch class {
	case guard.Guest, guard.Protected, guard.IdleOnly:
	default:
		return fiber.NewError(http.StatusBadRequest, "unknown route class")
	}
	path := c.Query("path")

	snap := session.Anonymous()
	if s, ok := middleware.SessionFrom(c); ok {
		snap = h.machine.Snap(s)
	}

	return c.Status(http.StatusOK).JSON(guard.DecideFor(class, snap, path))
}

// Events lists recent session events for the signed-in merchant.
func (h *Handler) Events(c *fiber.Ctx) error {
	s, ok := middleware.SessionFrom(c)
	if !ok {
		return h.signedOut(c)
	}
	events, err := h.recorder.Recent(c.UserContext(), s.Identity.Phone, c.QueryInt("limit", 20))
	if err != nil {
		return h.fail(c, err)
	}

	out := make([]fiber.Map, 0, len(events))
	for _, e := range events {
		out = append(out, fiber.Map{
			"kind":       e.Kind,
			"detail":     e.Detail,
			"created_at": e.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"data": out})
}

func snapshotPayload(snap session.Snapshot) fiber.Map {
	payload := fiber.Map{
		"stage":    snap.Stage,
		"activity": snap.Activity,
	}
	if snap.Identity.AccountID != 0 {
		payload["user"] = snap.Identity
	}
	if !snap.ExpiresAt.IsZero() {
		payload["expires_at"] = snap.ExpiresAt
	}
	if snap.RemainingIdle > 0 {
		payload["remaining_idle"] = int(snap.RemainingIdle / time.Second)
	}
	if snap.OTPCooldown > 0 {
		payload["otp_cooldown"] = int(snap.OTPCooldown / time.Second)
	}
	return payload
}

func (h *Handler) signedOut(c *fiber.Ctx) error {
	return c.Status(http.StatusUnauthorized).JSON(guard.Decision{Redirect: guard.LoginRoute})
}

// fail maps machine and upstream failures onto the responses the portal
// shows: every category gets a distinct, user-facing message.
func (h *Handler) fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, upstream.ErrInvalidCredentials):
		return fiber.NewError(http.StatusUnauthorized, "Invalid credentials!")
	case errors.Is(err, upstream.ErrRateLimited):
		return fiber.NewError(http.StatusTooManyRequests, "Sorry! We failed to sign you in. Please try again in a few minutes.")
	case errors.Is(err, upstream.ErrUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, "Network Error! Service unavailable.")
	case errors.Is(err, session.ErrStale), errors.Is(err, session.ErrInvalidTransition):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
		return h.signedOut(c)
	default:
		h.logger.Error("auth request failed", "path", c.Path(), "error", err)
		return fiber.NewError(http.StatusInternalServerError, "Something went wrong!")
	}
}
