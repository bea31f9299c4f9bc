package session

import "errors"

var (
	// ErrNotFound indicates no session exists for the presented identifier.
	ErrNotFound = errors.New("session not found")

	// ErrBadToken indicates a malformed or forged session bearer token.
	ErrBadToken = errors.New("invalid session token")

	// ErrExpired indicates the backing token passed hard expiry; the session
	// has already been cleared by the time callers see this.
	ErrExpired = errors.New("session expired")

	// ErrNotWhitelisted indicates credentials checked out but the merchant is
	// not yet eligible for the portal.
	ErrNotWhitelisted = errors.New("merchant not whitelisted")

	// ErrInvalidTransition indicates the operation is not legal from the
	// session's current stage.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrStale indicates a verifier response arrived after the session moved
	// on (logout or a competing transition); the result was discarded.
	ErrStale = errors.New("stale verification result discarded")

	// ErrOTPMismatch indicates the submitted code did not match the
	// outstanding one; the session stays in its pre-transition stage.
	ErrOTPMismatch = errors.New("OTP mismatch")

	// ErrPINMismatch indicates a failed PIN reconfirmation; the session
	// remains locked.
	ErrPINMismatch = errors.New("PIN mismatch")

	// ErrResendCooldown indicates an OTP resend was requested before the
	// cooldown elapsed.
	ErrResendCooldown = errors.New("OTP resend cooldown active")

	// ErrOTPAttemptsExceeded is terminal: the OTP retry budget is spent and
	// the session has been torn down.
	ErrOTPAttemptsExceeded = errors.New("OTP attempts exceeded")
)
