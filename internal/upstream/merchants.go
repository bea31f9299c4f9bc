package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Merchant is the merchants-service view of a merchant record.
type Merchant struct {
	ID             int64  `json:"id"`
	AccountID      int64  `json:"account_id"`
	BusinessName   string `json:"business_name"`
	Code           string `json:"code"`
	FloatAccountID int64  `json:"float_account_id"`
}

// Merchants talks to the Sidooh merchants service.
type Merchants struct {
	client *Client
}

// NewMerchants builds a merchants-service client.
func NewMerchants(baseURL string, tokens TokenSource, logger *slog.Logger) *Merchants {
	return &Merchants{client: NewClient(baseURL, tokens, logger)}
}

// ByAccount resolves the merchant bound to an account. A missing merchant
// is reported as invalid credentials: the portal is merchants-only.
func (m *Merchants) ByAccount(ctx context.Context, accountID int64) (Merchant, error) {
	var res envelope[Merchant]
	err := m.client.Do(ctx, http.MethodGet, fmt.Sprintf("/merchants/account/%d", accountID), nil, &res)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return Merchant{}, ErrInvalidCredentials
		}
		return Merchant{}, err
	}
	if res.Data.ID == 0 {
		return Merchant{}, ErrInvalidCredentials
	}
	return res.Data, nil
}
