package guard

import (
	"testing"

	"github.com/sidooh/merchants-gateway/internal/session"
)

func snap(stage session.CredentialStage, activity session.ActivityStage) session.Snapshot {
	return session.Snapshot{Stage: stage, Activity: activity}
}

func TestDecideTable(t *testing.T) {
	cases := []struct {
		name     string
		class    RouteClass
		snap     session.Snapshot
		allow    bool
		redirect string
	}{
		{"guest allows anonymous", Guest, session.Anonymous(), true, ""},
		{"guest bounces mid-login to otp", Guest, snap(session.StageCredentialsVerified, session.ActivityActive), false, OTPRoute},
		{"guest bounces signed-in home", Guest, snap(session.StageOTPVerified, session.ActivityActive), false, DefaultRoute},
		{"guest bounces locked to pin screen", Guest, snap(session.StageOTPVerified, session.ActivityIdle), false, PinConfirmationRoute},

		{"protected allows active", Protected, snap(session.StageOTPVerified, session.ActivityActive), true, ""},
		{"protected allows prompted", Protected, snap(session.StageOTPVerified, session.ActivityPrompted), true, ""},
		{"protected bounces idle to pin screen", Protected, snap(session.StageOTPVerified, session.ActivityIdle), false, PinConfirmationRoute},
		{"protected bounces mid-login to otp", Protected, snap(session.StageCredentialsVerified, session.ActivityActive), false, OTPRoute},
		{"protected bounces anonymous to login", Protected, session.Anonymous(), false, LoginRoute},

		{"idle-only allows locked", IdleOnly, snap(session.StageOTPVerified, session.ActivityIdle), true, ""},
		{"idle-only bounces active home", IdleOnly, snap(session.StageOTPVerified, session.ActivityActive), false, DefaultRoute},
		{"idle-only bounces prompted home", IdleOnly, snap(session.StageOTPVerified, session.ActivityPrompted), false, DefaultRoute},
		{"idle-only bounces mid-login home", IdleOnly, snap(session.StageCredentialsVerified, session.ActivityActive), false, DefaultRoute},
		{"idle-only bounces anonymous home", IdleOnly, session.Anonymous(), false, DefaultRoute},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.class, tc.snap)
			if d.Allow != tc.allow {
				t.Fatalf("allow: expected %v got %v", tc.allow, d.Allow)
			}
			if d.Redirect != tc.redirect {
				t.Fatalf("redirect: expected %q got %q", tc.redirect, d.Redirect)
			}
		})
	}
}

func TestDecideForCollapsesSelfRedirect(t *testing.T) {
	// The OTP screen itself must stay reachable mid-login.
	d := DecideFor(Guest, snap(session.StageCredentialsVerified, session.ActivityActive), OTPRoute)
	if !d.Allow {
		t.Fatalf("expected allow, got redirect to %q", d.Redirect)
	}

	// The PIN screen must stay reachable while locked.
	d = DecideFor(IdleOnly, snap(session.StageOTPVerified, session.ActivityIdle), PinConfirmationRoute)
	if !d.Allow {
		t.Fatalf("expected allow, got redirect to %q", d.Redirect)
	}
}

func TestDecideForPreservesDestination(t *testing.T) {
	d := DecideFor(Protected, session.Anonymous(), "/transactions")
	if d.Allow {
		t.Fatal("expected redirect")
	}
	if d.Redirect != "/login?next=%2Ftransactions" {
		t.Fatalf("unexpected redirect %q", d.Redirect)
	}

	// The root path gets a plain login redirect, no next hop.
	d = DecideFor(Protected, session.Anonymous(), DefaultRoute)
	if d.Redirect != LoginRoute {
		t.Fatalf("unexpected redirect %q", d.Redirect)
	}
}
