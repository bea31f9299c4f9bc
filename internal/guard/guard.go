// Package guard maps (route class, session state) pairs to navigation
// decisions. It is the single authority the routing layer consults; it
// performs no I/O and holds no state of its own.
package guard

import (
	"net/url"

	"github.com/sidooh/merchants-gateway/internal/session"
)

// RouteClass partitions portal routes by the session state they require.
type RouteClass string

const (
	// Guest routes (login, onboarding, waitlist) are for signed-out
	// browsers.
	Guest RouteClass = "guest"
	// Protected routes require a fully authenticated, unlocked session.
	Protected RouteClass = "protected"
	// IdleOnly routes (the PIN reconfirmation screen) require an idle lock.
	IdleOnly RouteClass = "idle_only"
)

// Portal navigation targets.
const (
	LoginRoute           = "/login"
	OTPRoute             = "/otp"
	PinConfirmationRoute = "/pin-confirmation"
	WaitlistRoute        = "/waitlist"
	DefaultRoute         = "/"
)

// Decision is the outcome of a guard check: either the navigation may
// proceed or the browser belongs somewhere else.
type Decision struct {
	Allow    bool   `json:"allow"`
	Redirect string `json:"redirect,omitempty"`
}

func allow() Decision {
	return Decision{Allow: true}
}

func redirect(target string) Decision {
	return Decision{Redirect: target}
}

// Decide returns the navigation decision for a route class given the
// current session snapshot.
//
// A CREDENTIALS_VERIFIED session is bounced from guest routes to the OTP
// screen rather than allowed to linger; callers guarding the OTP screen
// itself should treat a redirect to the requested path as an allow
// (DecideFor does this).
func Decide(class RouteClass, snap session.Snapshot) Decision {
	switch class {
	case Guest:
		switch snap.Stage {
		case session.StageCredentialsVerified:
			return redirect(OTPRoute)
		case session.StageOTPVerified:
			if snap.Activity == session.ActivityIdle {
				return redirect(PinConfirmationRoute)
			}
			return redirect(DefaultRoute)
		default:
			return allow()
		}

	case Protected:
		switch snap.Stage {
		case session.StageOTPVerified:
			if snap.Activity == session.ActivityIdle {
				return redirect(PinConfirmationRoute)
			}
			return allow()
		case session.StageCredentialsVerified:
			return redirect(OTPRoute)
		default:
			return redirect(LoginRoute)
		}

	case IdleOnly:
		if snap.Stage == session.StageOTPVerified && snap.Activity == session.ActivityIdle {
			return allow()
		}
		return redirect(DefaultRoute)
	}

	// Unknown classes never grant access.
	return redirect(LoginRoute)
}

// DecideFor evaluates a guard for a concrete path. A redirect that targets
// the requested path itself collapses to an allow, and login redirects
// preserve the intended destination for the post-login hop.
func DecideFor(class RouteClass, snap session.Snapshot, path string) Decision {
	d := Decide(class, snap)
	if d.Allow || d.Redirect == path {
		return allow()
	}
	if d.Redirect == LoginRoute && path != "" && path != DefaultRoute {
		d.Redirect = LoginRoute + "?next=" + url.QueryEscape(path)
	}
	return d
}
