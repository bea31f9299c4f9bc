package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Account is the accounts-service view of a Sidooh account.
type Account struct {
	ID            int64  `json:"id"`
	Phone         string `json:"phone"`
	Name          string `json:"name"`
	IsWhitelisted bool   `json:"is_whitelisted"`
}

// Accounts talks to the Sidooh accounts service: account lookup, OTP
// generation/verification and PIN checks.
type Accounts struct {
	client *Client
}

// NewAccounts builds an accounts-service client.
func NewAccounts(baseURL string, tokens TokenSource, logger *slog.Logger) *Accounts {
	return &Accounts{client: NewClient(baseURL, tokens, logger)}
}

type envelope[T any] struct {
	Data T `json:"data"`
}

// AccountByPhone resolves an account from its phone number. An unknown
// phone is reported as invalid credentials, not as a lookup failure.
func (a *Accounts) AccountByPhone(ctx context.Context, phone string) (Account, error) {
	var res envelope[Account]
	err := a.client.Do(ctx, http.MethodGet, "/accounts/phone/"+phone, nil, &res)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, err
	}
	if res.Data.ID == 0 {
		return Account{}, ErrInvalidCredentials
	}
	return res.Data, nil
}

// GenerateOTP asks the accounts service to send a one-time password to the
// phone.
func (a *Accounts) GenerateOTP(ctx context.Context, phone string) error {
	body := map[string]string{"phone": phone}
	if err := a.client.Do(ctx, http.MethodPost, "/otp/generate", body, nil); err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return fmt.Errorf("%w: generate OTP", ErrServer)
		}
		return err
	}
	return nil
}

// VerifyOTP checks a submitted code against the outstanding one. A
// mismatch is (false, nil); errors are infrastructure failures only.
func (a *Accounts) VerifyOTP(ctx context.Context, phone, code string) (bool, error) {
	body := map[string]string{"phone": phone, "otp": code}
	var res envelope[bool]
	if err := a.client.Do(ctx, http.MethodPost, "/otp/verify", body, &res); err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return false, nil
		}
		return false, err
	}
	return res.Data, nil
}

// CheckPIN verifies the account holder's Sidooh PIN. A wrong PIN is
// (false, nil); errors are infrastructure failures only.
func (a *Accounts) CheckPIN(ctx context.Context, accountID int64, pin string) (bool, error) {
	body := map[string]string{"pin": pin}
	var res envelope[bool]
	err := a.client.Do(ctx, http.MethodPost, fmt.Sprintf("/accounts/%d/check-pin", accountID), body, &res)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return false, nil
		}
		return false, err
	}
	return res.Data, nil
}
