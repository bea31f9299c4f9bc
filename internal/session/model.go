package session

import "time"

// CredentialStage tracks how far the merchant has progressed through the
// login flow. It only ever advances forward; logout, terminal verification
// failure and hard token expiry reset it to StageUnauthenticated.
type CredentialStage string

const (
	StageUnauthenticated     CredentialStage = "unauthenticated"
	StageCredentialsVerified CredentialStage = "credentials_verified"
	StageOTPVerified         CredentialStage = "otp_verified"
)

// ActivityStage reflects how recently the merchant interacted with the
// portal. It is derived from LastActivity on read and never persisted.
type ActivityStage string

const (
	ActivityActive   ActivityStage = "active"
	ActivityPrompted ActivityStage = "prompted"
	ActivityIdle     ActivityStage = "idle"
)

// Identity is the merchant identity resolved during credential verification.
type Identity struct {
	AccountID      int64  `json:"account_id"`
	MerchantID     int64  `json:"merchant_id"`
	Phone          string `json:"phone"`
	Name           string `json:"name"`
	BusinessName   string `json:"business_name"`
	StoreNo        string `json:"store_no"`
	FloatAccountID int64  `json:"float_account_id"`
}

// Session is the single source of truth for one browser context. All
// mutation goes through the Machine; nothing else writes to the store.
type Session struct {
	ID         string          `json:"id"`
	SecretHash []byte          `json:"secret_hash"`
	Stage      CredentialStage `json:"stage"`

	Identity    Identity `json:"identity"`
	Whitelisted bool     `json:"whitelisted"`

	LastActivity time.Time `json:"last_activity"`

	// Locked is set the first time the idle lock is observed so the event
	// is recorded once; PIN reconfirmation clears it.
	Locked bool `json:"locked,omitempty"`

	// IssuedAt/ExpiresAt mirror the backing service token at the time the
	// session was established or last refreshed.
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// Generation fences in-flight verifier calls: a transition only commits
	// if the generation it observed is still current.
	Generation uint64 `json:"generation"`

	CreatedAt time.Time `json:"created_at"`
}

// Challenge is the ephemeral OTP state, stored under its own key and
// cleared together with the session snapshot.
type Challenge struct {
	SentAt   time.Time `json:"sent_at"`
	Attempts int       `json:"attempts"`
}

// Activity derives the activity stage at the given instant. Idle tracking
// only runs for fully authenticated sessions; anything earlier is ACTIVE.
func (s Session) Activity(now time.Time, idleTimeout, promptWindow time.Duration) ActivityStage {
	if s.Stage != StageOTPVerified {
		return ActivityActive
	}
	inactive := now.Sub(s.LastActivity)
	switch {
	case inactive >= idleTimeout:
		return ActivityIdle
	case inactive >= idleTimeout-promptWindow:
		return ActivityPrompted
	default:
		return ActivityActive
	}
}

// Expired reports whether the backing token is past its hard expiry.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Snapshot is the read model handed to route guards and the UI layer.
type Snapshot struct {
	ID            string          `json:"id,omitempty"`
	Stage         CredentialStage `json:"stage"`
	Activity      ActivityStage   `json:"activity"`
	Identity      Identity        `json:"user,omitempty"`
	Whitelisted   bool            `json:"whitelisted,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at,omitempty"`
	RemainingIdle time.Duration   `json:"-"`
	OTPCooldown   time.Duration   `json:"-"`
}

// Anonymous is the snapshot used when no valid session accompanies a
// request. Route guards treat it as a signed-out browser.
func Anonymous() Snapshot {
	return Snapshot{Stage: StageUnauthenticated, Activity: ActivityActive}
}
