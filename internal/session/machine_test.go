package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sidooh/merchants-gateway/internal/audit"
	"github.com/sidooh/merchants-gateway/internal/config"
	"github.com/sidooh/merchants-gateway/internal/logging"
	"github.com/sidooh/merchants-gateway/internal/notification"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeVerifier struct {
	identity    Identity
	whitelisted bool
	err         error
}

func (f *fakeVerifier) Verify(context.Context, string, string) (Identity, bool, error) {
	return f.identity, f.whitelisted, f.err
}

type fakeOTP struct {
	code     string
	genErr   error
	onVerify func()
}

func (f *fakeOTP) GenerateOTP(context.Context, string) error { return f.genErr }

func (f *fakeOTP) VerifyOTP(_ context.Context, _ string, code string) (bool, error) {
	if f.onVerify != nil {
		f.onVerify()
	}
	return code == f.code, nil
}

type fakePIN struct {
	pin     string
	onCheck func()
}

func (f *fakePIN) CheckPIN(_ context.Context, _ int64, pin string) (bool, error) {
	if f.onCheck != nil {
		f.onCheck()
	}
	return pin == f.pin, nil
}

type fakeTokens struct {
	mu     sync.Mutex
	expiry time.Time
	err    error
	calls  int
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "service-token", f.err
}

func (f *fakeTokens) Expiry() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiry
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (n *captureNotifier) Send(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		IdleTimeout:        120 * time.Second,
		IdlePromptWindow:   40 * time.Second,
		OTPResendCooldown:  60 * time.Second,
		OTPMaxAttempts:     3,
		TokenRefreshMargin: 3 * time.Minute,
		SessionTTL:         time.Hour,
	}
}

func testIdentity() Identity {
	return Identity{
		AccountID:      7,
		MerchantID:     15,
		Phone:          "254711222333",
		Name:           "Jane Wairimu",
		BusinessName:   "Wairimu Stores",
		StoreNo:        "29000",
		FloatAccountID: 41,
	}
}

type harness struct {
	machine  *Machine
	store    Store
	clock    *fakeClock
	otp      *fakeOTP
	pin      *fakePIN
	tokens   *fakeTokens
	notifier *captureNotifier
}

func newHarness(t *testing.T, verifier CredentialVerifier) *harness {
	t.Helper()
	clock := newFakeClock()
	h := &harness{
		store:    NewMemoryStore(),
		clock:    clock,
		otp:      &fakeOTP{code: "123456"},
		pin:      &fakePIN{pin: "1234"},
		tokens:   &fakeTokens{expiry: clock.Now().Add(time.Hour)},
		notifier: &captureNotifier{},
	}
	if verifier == nil {
		verifier = &fakeVerifier{identity: testIdentity(), whitelisted: true}
	}
	recorder := audit.NewRecorder(audit.NewMemoryRepository(), logging.Discard())
	h.machine = NewMachine(testConfig(), h.store, verifier, h.otp, h.pin, h.tokens, logging.Discard(),
		WithNowTime(clock.Now),
		WithRecorder(recorder),
		WithNotifier(h.notifier),
	)
	return h
}

func (h *harness) login(t *testing.T) (Session, string) {
	t.Helper()
	s, token, err := h.machine.SubmitCredentials(context.Background(), "0711222333", "29000")
	require.NoError(t, err)
	return s, token
}

func (h *harness) fullAuth(t *testing.T) Session {
	t.Helper()
	s, _ := h.login(t)
	s, err := h.machine.SubmitOTP(context.Background(), s.ID, "123456")
	require.NoError(t, err)
	return s
}

func TestSubmitCredentialsEstablishesSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, token := h.login(t)
	require.Equal(t, StageCredentialsVerified, s.Stage)
	require.Equal(t, uint64(1), s.Generation)
	require.Equal(t, "Wairimu Stores", s.Identity.BusinessName)

	id, secret, ok := strings.Cut(token, ".")
	require.True(t, ok)
	require.Equal(t, s.ID, id)
	require.NotEmpty(t, secret)

	resolved, err := h.machine.Resolve(ctx, token)
	require.NoError(t, err)
	require.Equal(t, s.ID, resolved.ID)

	// A tampered secret must not resolve.
	_, err = h.machine.Resolve(ctx, id+".wrong")
	require.ErrorIs(t, err, ErrBadToken)
}

func TestSubmitCredentialsRejectsUnlisted(t *testing.T) {
	h := newHarness(t, &fakeVerifier{identity: testIdentity(), whitelisted: false})

	_, _, err := h.machine.SubmitCredentials(context.Background(), "0711222333", "29000")
	require.ErrorIs(t, err, ErrNotWhitelisted)
}

func TestSubmitOTPAdvancesStage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, _ := h.login(t)
	s, err := h.machine.SubmitOTP(ctx, s.ID, "123456")
	require.NoError(t, err)
	require.Equal(t, StageOTPVerified, s.Stage)
	require.Equal(t, uint64(2), s.Generation)

	// The spent challenge is gone and the merchant got a sign-in alert.
	_, err = h.store.FindChallenge(ctx, s.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Len(t, h.notifier.sent, 1)
	require.Equal(t, notification.KindSignIn, h.notifier.sent[0].Kind)
}

func TestSubmitOTPBoundsAttempts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, _ := h.login(t)

	_, err := h.machine.SubmitOTP(ctx, s.ID, "000000")
	require.ErrorIs(t, err, ErrOTPMismatch)
	_, err = h.machine.SubmitOTP(ctx, s.ID, "000000")
	require.ErrorIs(t, err, ErrOTPMismatch)
	_, err = h.machine.SubmitOTP(ctx, s.ID, "000000")
	require.ErrorIs(t, err, ErrOTPAttemptsExceeded)

	// Spending the budget tears the whole session down.
	_, err = h.store.Find(ctx, s.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitOTPRequiresCredentialStage(t *testing.T) {
	h := newHarness(t, nil)
	s := h.fullAuth(t)

	_, err := h.machine.SubmitOTP(context.Background(), s.ID, "123456")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResendOTPCooldown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, _ := h.login(t)

	_, err := h.machine.ResendOTP(ctx, s.ID)
	require.ErrorIs(t, err, ErrResendCooldown)

	h.clock.Advance(61 * time.Second)
	cooldown, err := h.machine.ResendOTP(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, cooldown)

	// A fresh code resets the attempt budget.
	ch, err := h.store.FindChallenge(ctx, s.ID)
	require.NoError(t, err)
	require.Zero(t, ch.Attempts)
}

func TestIdleProgression(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.fullAuth(t)

	snap, err := h.machine.Current(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, ActivityActive, snap.Activity)

	// The prompt opens promptWindow before the timeout.
	h.clock.Advance(80 * time.Second)
	snap, err = h.machine.Current(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, ActivityPrompted, snap.Activity)

	// Activity during the prompt window resets the clock.
	require.NoError(t, h.machine.Touch(ctx, s.ID))
	snap, err = h.machine.Current(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, ActivityActive, snap.Activity)

	h.clock.Advance(120 * time.Second)
	snap, err = h.machine.Current(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, ActivityIdle, snap.Activity)

	// Once idle, plain activity can no longer unlock the session.
	require.NoError(t, h.machine.Touch(ctx, s.ID))
	snap, err = h.machine.Current(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, ActivityIdle, snap.Activity)
}

func TestIdleTrackingOnlyAfterFullAuth(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, _ := h.login(t)

	h.clock.Advance(time.Hour / 2)
	snap, err := h.machine.Current(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, ActivityActive, snap.Activity)
	require.Equal(t, StageCredentialsVerified, snap.Stage)
}

func TestConfirmPINUnlocks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.fullAuth(t)
	h.clock.Advance(150 * time.Second)

	_, err := h.machine.ConfirmPIN(ctx, s.ID, "9999")
	require.ErrorIs(t, err, ErrPINMismatch)

	unlocked, err := h.machine.ConfirmPIN(ctx, s.ID, "1234")
	require.NoError(t, err)
	require.False(t, unlocked.Locked)
	require.Equal(t, ActivityActive, h.machine.Snap(unlocked).Activity)
}

func TestConfirmPINOutsideIdleLock(t *testing.T) {
	h := newHarness(t, nil)
	s := h.fullAuth(t)

	_, err := h.machine.ConfirmPIN(context.Background(), s.ID, "1234")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLogoutDuringOTPCheckDiscardsResult(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, _ := h.login(t)

	// The session disappears while the verifier call is in flight; the
	// correct code must not resurrect it.
	h.otp.onVerify = func() {
		require.NoError(t, h.machine.Logout(ctx, s.ID))
	}
	_, err := h.machine.SubmitOTP(ctx, s.ID, "123456")
	require.ErrorIs(t, err, ErrStale)

	_, err = h.store.Find(ctx, s.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnlockDuringPINCheckDiscardsResult(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.fullAuth(t)
	h.clock.Advance(150 * time.Second)

	// A competing transition bumps the generation mid-check.
	h.pin.onCheck = func() {
		cur, err := h.store.Find(ctx, s.ID)
		require.NoError(t, err)
		cur.Generation++
		require.NoError(t, h.store.Save(ctx, cur))
	}
	_, err := h.machine.ConfirmPIN(ctx, s.ID, "1234")
	require.ErrorIs(t, err, ErrStale)
}

func TestExpiredSessionTornDownOnResolve(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, token := h.login(t)

	h.clock.Advance(2 * time.Hour)
	_, err := h.machine.Resolve(ctx, token)
	require.ErrorIs(t, err, ErrExpired)

	// Teardown is permanent: the token now resolves to nothing.
	_, err = h.machine.Resolve(ctx, token)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLogoutIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.fullAuth(t)

	require.NoError(t, h.machine.Logout(ctx, s.ID))
	require.NoError(t, h.machine.Logout(ctx, s.ID))
	require.NoError(t, h.machine.Logout(ctx, "never-existed"))
}

func TestNeedsRefresh(t *testing.T) {
	h := newHarness(t, nil)
	s := h.fullAuth(t)

	require.False(t, h.machine.NeedsRefresh(h.machine.Snap(s)))

	// Inside the proactive margin the guard schedules a refresh.
	h.clock.Advance(58 * time.Minute)
	require.True(t, h.machine.NeedsRefresh(h.machine.Snap(s)))
}

func TestRefreshExpiryExtendsSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.fullAuth(t)

	h.tokens.mu.Lock()
	h.tokens.expiry = h.clock.Now().Add(6 * time.Hour)
	h.tokens.mu.Unlock()

	require.NoError(t, h.machine.RefreshExpiry(ctx, s.ID))
	cur, err := h.store.Find(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, h.clock.Now().Add(6*time.Hour), cur.ExpiresAt)
}

func TestCurrentReportsOTPCooldown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, _ := h.login(t)

	h.clock.Advance(20 * time.Second)
	snap, err := h.machine.Current(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 40*time.Second, snap.OTPCooldown)
}

func TestVerifierErrorPropagates(t *testing.T) {
	boom := errors.New("accounts unreachable")
	h := newHarness(t, &fakeVerifier{err: boom})

	_, _, err := h.machine.SubmitCredentials(context.Background(), "0711222333", "29000")
	require.ErrorIs(t, err, boom)
}
