package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Session lifecycle event kinds.
const (
	KindLoginSucceeded = "login_succeeded"
	KindLoginRejected  = "login_rejected"
	KindOTPVerified    = "otp_verified"
	KindOTPRejected    = "otp_rejected"
	KindSessionLocked  = "session_locked"
	KindPinConfirmed   = "pin_confirmed"
	KindPinRejected    = "pin_rejected"
	KindLoggedOut      = "logged_out"
	KindSessionExpired = "session_expired"
)

// Event records one session lifecycle change.
type Event struct {
	ID        string
	SessionID string
	Phone     string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// Repository persists session events.
type Repository interface {
	Insert(ctx context.Context, event Event) error
	RecentByPhone(ctx context.Context, phone string, limit int) ([]Event, error)
}

// Recorder writes session events to the repository. Recording is best
// effort: a storage failure is logged, never surfaced to the caller.
type Recorder struct {
	repo   Repository
	logger *slog.Logger
}

// NewRecorder builds an event recorder.
func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger}
}

// Record stores a session event.
func (r *Recorder) Record(ctx context.Context, kind, sessionID, phone, detail string) {
	if r == nil || r.repo == nil {
		return
	}
	event := Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Phone:     phone,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.repo.Insert(ctx, event); err != nil {
		r.logger.Warn("record session event", "kind", kind, "session_id", sessionID, "error", err)
	}
}

// Recent returns the latest events recorded for a phone number.
func (r *Recorder) Recent(ctx context.Context, phone string, limit int) ([]Event, error) {
	if r == nil || r.repo == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return r.repo.RecentByPhone(ctx, phone, limit)
}
