package upstream

import (
	"context"

	"github.com/sidooh/merchants-gateway/internal/session"
)

// Verifier composes the accounts and merchants services into the credential
// check the portal performs at sign-in: account by phone, merchant by
// account, store number match.
type Verifier struct {
	accounts  *Accounts
	merchants *Merchants
}

// NewVerifier builds a credential verifier over the two services.
func NewVerifier(accounts *Accounts, merchants *Merchants) *Verifier {
	return &Verifier{accounts: accounts, merchants: merchants}
}

// Verify resolves the merchant identity for a phone + store number pair and
// reports whether the account is whitelisted for the portal.
func (v *Verifier) Verify(ctx context.Context, phone, storeNo string) (session.Identity, bool, error) {
	account, err := v.accounts.AccountByPhone(ctx, phone)
	if err != nil {
		return session.Identity{}, false, err
	}

	merchant, err := v.merchants.ByAccount(ctx, account.ID)
	if err != nil {
		return session.Identity{}, false, err
	}

	if merchant.Code != storeNo {
		return session.Identity{}, false, ErrInvalidCredentials
	}

	identity := session.Identity{
		AccountID:      account.ID,
		MerchantID:     merchant.ID,
		Phone:          account.Phone,
		Name:           account.Name,
		BusinessName:   merchant.BusinessName,
		StoreNo:        merchant.Code,
		FloatAccountID: merchant.FloatAccountID,
	}
	return identity, account.IsWhitelisted, nil
}
