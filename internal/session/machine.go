package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/sidooh/merchants-gateway/internal/audit"
	"github.com/sidooh/merchants-gateway/internal/config"
	"github.com/sidooh/merchants-gateway/internal/notification"
)

// CredentialVerifier resolves a phone + store number pair into a merchant
// identity and its whitelist status.
type CredentialVerifier interface {
	Verify(ctx context.Context, phone, storeNo string) (Identity, bool, error)
}

// OTPService generates and verifies one-time passwords. A mismatch is
// (false, nil); an error is an infrastructure failure.
type OTPService interface {
	GenerateOTP(ctx context.Context, phone string) error
	VerifyOTP(ctx context.Context, phone, code string) (bool, error)
}

// PINVerifier checks the account holder's Sidooh PIN.
type PINVerifier interface {
	CheckPIN(ctx context.Context, accountID int64, pin string) (bool, error)
}

// TokenSource exposes the backing service token and its hard expiry.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Expiry() time.Time
}

// Machine owns every session transition. Handlers resolve a bearer token to
// a session through it and never touch the store directly.
//
// Verifier calls run outside the per-session lock; each transition re-loads
// the session and compares generations before committing, so a result that
// arrives after a logout or a competing transition is discarded.
type Machine struct {
	store    Store
	creds    CredentialVerifier
	otp      OTPService
	pin      PINVerifier
	tokens   TokenSource
	recorder *audit.Recorder
	notifier notification.Notifier
	logger   *slog.Logger
	nowTime  func() time.Time

	idleTimeout    time.Duration
	promptWindow   time.Duration
	resendCooldown time.Duration
	maxOTPAttempts int
	tokenMargin    time.Duration

	locks sync.Map // session id -> *sync.Mutex
}

// Option configures a Machine.
type Option func(*Machine)

// WithNowTime sets the clock function (for tests).
func WithNowTime(now func() time.Time) Option {
	return func(m *Machine) {
		m.nowTime = now
	}
}

// WithNotifier sets the sign-in notifier.
func WithNotifier(n notification.Notifier) Option {
	return func(m *Machine) {
		m.notifier = n
	}
}

// WithRecorder sets the session event recorder.
func WithRecorder(r *audit.Recorder) Option {
	return func(m *Machine) {
		m.recorder = r
	}
}

// NewMachine builds the session state machine.
func NewMachine(cfg config.Config, store Store, creds CredentialVerifier, otp OTPService, pin PINVerifier, tokens TokenSource, logger *slog.Logger, options ...Option) *Machine {
	m := &Machine{
		store:          store,
		creds:          creds,
		otp:            otp,
		pin:            pin,
		tokens:         tokens,
		logger:         logger,
		nowTime:        time.Now,
		idleTimeout:    cfg.IdleTimeout,
		promptWindow:   cfg.IdlePromptWindow,
		resendCooldown: cfg.OTPResendCooldown,
		maxOTPAttempts: cfg.OTPMaxAttempts,
		tokenMargin:    cfg.TokenRefreshMargin,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Resolve authenticates a bearer token of the form "<id>.<secret>" and
// returns the session it names. An expired session is torn down and
// reported as ErrExpired.
func (m *Machine) Resolve(ctx context.Context, bearer string) (Session, error) {
	id, secret, ok := strings.Cut(bearer, ".")
	if !ok || id == "" || secret == "" {
		return Session{}, ErrBadToken
	}

	s, err := m.store.Find(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if bcrypt.CompareHashAndPassword(s.SecretHash, []byte(secret)) != nil {
		return Session{}, ErrBadToken
	}

	if s.Expired(m.nowTime()) {
		mu := m.lock(s.ID)
		mu.Lock()
		defer mu.Unlock()
		m.record(ctx, audit.KindSessionExpired, s, "token past hard expiry")
		if err := m.store.Clear(ctx, s.ID); err != nil {
			m.logger.Warn("clear expired session", "session_id", s.ID, "error", err)
		}
		return Session{}, ErrExpired
	}
	return s, nil
}

// SubmitCredentials verifies the phone + store number pair, establishes a
// new session in CREDENTIALS_VERIFIED and triggers OTP generation. The
// returned string is the bearer token handed to the browser.
func (m *Machine) SubmitCredentials(ctx context.Context, phone, storeNo string) (Session, string, error) {
	identity, whitelisted, err := m.creds.Verify(ctx, phone, storeNo)
	if err != nil {
		m.record(ctx, audit.KindLoginRejected, Session{Identity: Identity{Phone: phone}}, err.Error())
		return Session{}, "", err
	}
	if !whitelisted {
		m.record(ctx, audit.KindLoginRejected, Session{Identity: identity}, "not whitelisted")
		return Session{}, "", ErrNotWhitelisted
	}

	// The token source is primed here so the session carries a real expiry
	// from the start.
	if _, err := m.tokens.Token(ctx); err != nil {
		return Session{}, "", err
	}

	now := m.nowTime()
	secret, hash, err := newSecret()
	if err != nil {
		return Session{}, "", err
	}

	s := Session{
		ID:           uuid.NewString(),
		SecretHash:   hash,
		Stage:        StageCredentialsVerified,
		Identity:     identity,
		Whitelisted:  true,
		LastActivity: now,
		IssuedAt:     now,
		ExpiresAt:    m.tokens.Expiry(),
		Generation:   1,
		CreatedAt:    now,
	}

	if err := m.store.Save(ctx, s); err != nil {
		return Session{}, "", err
	}
	if err := m.store.SaveChallenge(ctx, s.ID, Challenge{SentAt: now}); err != nil {
		return Session{}, "", err
	}

	if err := m.otp.GenerateOTP(ctx, identity.Phone); err != nil {
		// The merchant can still ask for a resend; keep the session.
		m.logger.Warn("OTP generation failed after login", "session_id", s.ID, "error", err)
	}

	m.record(ctx, audit.KindLoginSucceeded, s, "")
	return s, s.ID + "." + secret, nil
}

// SubmitOTP checks the submitted code. The retry budget is bounded;
// spending it tears the session down and requires a fresh login.
func (m *Machine) SubmitOTP(ctx context.Context, sid, code string) (Session, error) {
	mu := m.lock(sid)
	mu.Lock()

	s, err := m.store.Find(ctx, sid)
	if err != nil {
		mu.Unlock()
		return Session{}, err
	}
	if s.Stage != StageCredentialsVerified {
		mu.Unlock()
		return Session{}, fmt.Errorf("%w: submit OTP from %s", ErrInvalidTransition, s.Stage)
	}
	gen := s.Generation
	phone := s.Identity.Phone
	mu.Unlock()

	ok, verr := m.otp.VerifyOTP(ctx, phone, code)

	mu.Lock()
	defer mu.Unlock()

	s, err = m.reload(ctx, sid, gen)
	if err != nil {
		return Session{}, err
	}
	if verr != nil {
		return Session{}, verr
	}

	if !ok {
		ch, err := m.store.FindChallenge(ctx, sid)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Session{}, err
		}
		ch.Attempts++
		if ch.Attempts >= m.maxOTPAttempts {
			m.record(ctx, audit.KindOTPRejected, s, "attempts exceeded, session terminated")
			if err := m.store.Clear(ctx, sid); err != nil {
				return Session{}, err
			}
			return Session{}, ErrOTPAttemptsExceeded
		}
		if err := m.store.SaveChallenge(ctx, sid, ch); err != nil {
			return Session{}, err
		}
		m.record(ctx, audit.KindOTPRejected, s, fmt.Sprintf("attempt %d of %d", ch.Attempts, m.maxOTPAttempts))
		return Session{}, ErrOTPMismatch
	}

	now := m.nowTime()
	s.Stage = StageOTPVerified
	s.LastActivity = now
	s.Generation++
	if err := m.store.Save(ctx, s); err != nil {
		return Session{}, err
	}
	if err := m.store.ClearChallenge(ctx, sid); err != nil {
		m.logger.Warn("clear spent OTP challenge", "session_id", sid, "error", err)
	}

	m.record(ctx, audit.KindOTPVerified, s, "")
	m.notify(ctx, notification.Message{
		Kind:        notification.KindSignIn,
		Destination: s.Identity.Phone,
		Body:        fmt.Sprintf("New sign-in to the Merchants portal for %s.", s.Identity.BusinessName),
	})
	return s, nil
}

// ResendOTP regenerates the one-time password once the cooldown has
// elapsed. A fresh code resets the attempt budget.
func (m *Machine) ResendOTP(ctx context.Context, sid string) (time.Duration, error) {
	mu := m.lock(sid)
	mu.Lock()

	s, err := m.store.Find(ctx, sid)
	if err != nil {
		mu.Unlock()
		return 0, err
	}
	if s.Stage != StageCredentialsVerified {
		mu.Unlock()
		return 0, fmt.Errorf("%w: resend OTP from %s", ErrInvalidTransition, s.Stage)
	}

	ch, err := m.store.FindChallenge(ctx, sid)
	if err != nil && !errors.Is(err, ErrNotFound) {
		mu.Unlock()
		return 0, err
	}
	if remaining := m.resendCooldown - m.nowTime().Sub(ch.SentAt); remaining > 0 {
		mu.Unlock()
		return remaining, ErrResendCooldown
	}
	gen := s.Generation
	phone := s.Identity.Phone
	mu.Unlock()

	genErr := m.otp.GenerateOTP(ctx, phone)

	mu.Lock()
	defer mu.Unlock()

	if _, err := m.reload(ctx, sid, gen); err != nil {
		return 0, err
	}
	if genErr != nil {
		return 0, genErr
	}
	if err := m.store.SaveChallenge(ctx, sid, Challenge{SentAt: m.nowTime()}); err != nil {
		return 0, err
	}
	return m.resendCooldown, nil
}

// ConfirmPIN unlocks an idle session. Only valid while actually locked.
func (m *Machine) ConfirmPIN(ctx context.Context, sid, pin string) (Session, error) {
	mu := m.lock(sid)
	mu.Lock()

	s, err := m.store.Find(ctx, sid)
	if err != nil {
		mu.Unlock()
		return Session{}, err
	}
	if s.Stage != StageOTPVerified || s.Activity(m.nowTime(), m.idleTimeout, m.promptWindow) != ActivityIdle {
		mu.Unlock()
		return Session{}, fmt.Errorf("%w: PIN confirmation outside idle lock", ErrInvalidTransition)
	}
	gen := s.Generation
	accountID := s.Identity.AccountID
	mu.Unlock()

	ok, verr := m.pin.CheckPIN(ctx, accountID, pin)

	mu.Lock()
	defer mu.Unlock()

	s, err = m.reload(ctx, sid, gen)
	if err != nil {
		return Session{}, err
	}
	if verr != nil {
		return Session{}, verr
	}
	if !ok {
		m.record(ctx, audit.KindPinRejected, s, "")
		return Session{}, ErrPINMismatch
	}

	s.LastActivity = m.nowTime()
	s.Locked = false
	s.Generation++
	if err := m.store.Save(ctx, s); err != nil {
		return Session{}, err
	}
	m.record(ctx, audit.KindPinConfirmed, s, "")
	return s, nil
}

// Touch registers user activity. It resets the idle clock while ACTIVE or
// PROMPTED and deliberately never unlocks an IDLE session.
func (m *Machine) Touch(ctx context.Context, sid string) error {
	mu := m.lock(sid)
	mu.Lock()
	defer mu.Unlock()

	s, err := m.store.Find(ctx, sid)
	if err != nil {
		return err
	}
	if s.Stage != StageOTPVerified {
		return nil
	}
	if s.Activity(m.nowTime(), m.idleTimeout, m.promptWindow) == ActivityIdle {
		return nil
	}
	s.LastActivity = m.nowTime()
	return m.store.Save(ctx, s)
}

// Logout tears the session down. It is idempotent: clearing an unknown or
// already-cleared session is a no-op.
func (m *Machine) Logout(ctx context.Context, sid string) error {
	mu := m.lock(sid)
	mu.Lock()
	defer mu.Unlock()

	s, err := m.store.Find(ctx, sid)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	m.record(ctx, audit.KindLoggedOut, s, "")
	if err := m.store.Clear(ctx, sid); err != nil {
		return err
	}
	m.locks.Delete(sid)
	return nil
}

// Current returns the guard-facing snapshot for a session.
func (m *Machine) Current(ctx context.Context, sid string) (Snapshot, error) {
	mu := m.lock(sid)
	mu.Lock()
	defer mu.Unlock()

	s, err := m.store.Find(ctx, sid)
	if err != nil {
		return Snapshot{}, err
	}

	now := m.nowTime()
	if s.Expired(now) {
		m.record(ctx, audit.KindSessionExpired, s, "token past hard expiry")
		if err := m.store.Clear(ctx, sid); err != nil {
			m.logger.Warn("clear expired session", "session_id", sid, "error", err)
		}
		return Snapshot{}, ErrExpired
	}

	snap := m.snapshot(s, now)
	if snap.Activity == ActivityIdle && !s.Locked {
		s.Locked = true
		if err := m.store.Save(ctx, s); err != nil {
			m.logger.Warn("mark session locked", "session_id", sid, "error", err)
		}
		m.record(ctx, audit.KindSessionLocked, s, "idle timeout elapsed")
	}
	if s.Stage == StageCredentialsVerified {
		if ch, err := m.store.FindChallenge(ctx, sid); err == nil {
			if remaining := m.resendCooldown - now.Sub(ch.SentAt); remaining > 0 {
				snap.OTPCooldown = remaining
			}
		}
	}
	return snap, nil
}

// NeedsRefresh reports whether the backing token is inside the proactive
// refresh margin.
func (m *Machine) NeedsRefresh(snap Snapshot) bool {
	return !snap.ExpiresAt.IsZero() && m.nowTime().Add(m.tokenMargin).After(snap.ExpiresAt)
}

// RefreshExpiry re-establishes the backing token expiry on the session.
// Ran in the background by the route guard; navigation never waits on it.
func (m *Machine) RefreshExpiry(ctx context.Context, sid string) error {
	if _, err := m.tokens.Token(ctx); err != nil {
		return err
	}

	mu := m.lock(sid)
	mu.Lock()
	defer mu.Unlock()

	s, err := m.store.Find(ctx, sid)
	if err != nil {
		return err
	}
	s.IssuedAt = m.nowTime()
	s.ExpiresAt = m.tokens.Expiry()
	return m.store.Save(ctx, s)
}

// Snap converts a resolved session into the guard-facing read model.
func (m *Machine) Snap(s Session) Snapshot {
	return m.snapshot(s, m.nowTime())
}

func (m *Machine) snapshot(s Session, now time.Time) Snapshot {
	snap := Snapshot{
		ID:          s.ID,
		Stage:       s.Stage,
		Activity:    s.Activity(now, m.idleTimeout, m.promptWindow),
		Identity:    s.Identity,
		Whitelisted: s.Whitelisted,
		ExpiresAt:   s.ExpiresAt,
	}
	if s.Stage == StageOTPVerified && snap.Activity != ActivityIdle {
		if remaining := m.idleTimeout - now.Sub(s.LastActivity); remaining > 0 {
			snap.RemainingIdle = remaining
		}
	}
	return snap
}

// reload re-reads the session after a verifier call and rejects the result
// if the session is gone or another transition committed in the meantime.
func (m *Machine) reload(ctx context.Context, sid string, gen uint64) (Session, error) {
	s, err := m.store.Find(ctx, sid)
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrStale
	}
	if err != nil {
		return Session{}, err
	}
	if s.Generation != gen {
		return Session{}, ErrStale
	}
	return s, nil
}

func (m *Machine) lock(sid string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(sid, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *Machine) record(ctx context.Context, kind string, s Session, detail string) {
	m.recorder.Record(ctx, kind, s.ID, s.Identity.Phone, detail)
}

func (m *Machine) notify(ctx context.Context, msg notification.Message) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Send(ctx, msg); err != nil {
		m.logger.Warn("send notification", "kind", msg.Kind, "error", err)
	}
}

// newSecret mints the random half of the bearer token and its stored hash.
// MinCost keeps per-request verification cheap; the input is already 256
// bits of entropy.
func newSecret() (string, []byte, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate session secret: %w", err)
	}
	secret := hex.EncodeToString(raw)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		return "", nil, err
	}
	return secret, hash, nil
}
