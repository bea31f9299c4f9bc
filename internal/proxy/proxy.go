// Package proxy forwards portal data requests to the backing services on
// behalf of an authenticated merchant. The browser never sees the service
// bearer token; every forwarded request is scoped to the merchant bound to
// the caller's session.
package proxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	fiberproxy "github.com/gofiber/fiber/v2/middleware/proxy"

	"github.com/sidooh/merchants-gateway/internal/middleware"
	"github.com/sidooh/merchants-gateway/internal/session"
)

// TokenSource yields the service bearer token injected into forwarded requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Gateway builds merchant-scoped upstream URLs and relays requests to them.
type Gateway struct {
	merchantsURL string
	paymentsURL  string
	savingsURL   string
	tokens       TokenSource
	logger       *slog.Logger
}

func NewGateway(merchantsURL, paymentsURL, savingsURL string, tokens TokenSource, logger *slog.Logger) *Gateway {
	return &Gateway{
		merchantsURL: merchantsURL,
		paymentsURL:  paymentsURL,
		savingsURL:   savingsURL,
		tokens:       tokens,
		logger:       logger,
	}
}

// Transactions lists the merchant's transactions from the merchants service.
// Client-supplied filters (days, page size) pass through; the merchant filter
// is always pinned to the session's merchant.
func (g *Gateway) Transactions(c *fiber.Ctx) error {
	s, err := g.current(c)
	if err != nil {
		return err
	}

	target := fmt.Sprintf("%s/transactions?merchants=%d", g.merchantsURL, s.Identity.MerchantID)
	if days := c.Query("days"); days != "" {
		target += "&days=" + days
	}
	return g.forward(c, target)
}

// Transaction fetches a single transaction by id.
func (g *Gateway) Transaction(c *fiber.Ctx) error {
	if _, err := g.current(c); err != nil {
		return err
	}
	return g.forward(c, fmt.Sprintf("%s/transactions/%s", g.merchantsURL, c.Params("id")))
}

// EarningAccounts lists the merchant's commission accounts.
func (g *Gateway) EarningAccounts(c *fiber.Ctx) error {
	s, err := g.current(c)
	if err != nil {
		return err
	}
	return g.forward(c, fmt.Sprintf("%s/earning-accounts/merchant/%d", g.merchantsURL, s.Identity.MerchantID))
}

// SavingsEarnings fetches the merchant's savings earning accounts from the
// savings service, keyed by the Sidooh account rather than the merchant.
func (g *Gateway) SavingsEarnings(c *fiber.Ctx) error {
	s, err := g.current(c)
	if err != nil {
		return err
	}
	return g.forward(c, fmt.Sprintf("%s/accounts/%d/earnings", g.savingsURL, s.Identity.AccountID))
}

// FloatAccount fetches the merchant's float account and balance.
func (g *Gateway) FloatAccount(c *fiber.Ctx) error {
	s, err := g.current(c)
	if err != nil {
		return err
	}
	return g.forward(c, fmt.Sprintf("%s/float-accounts/%d", g.paymentsURL, s.Identity.FloatAccountID))
}

// Vouchers lists vouchers issued against the merchant's account.
func (g *Gateway) Vouchers(c *fiber.Ctx) error {
	s, err := g.current(c)
	if err != nil {
		return err
	}
	return g.forward(c, fmt.Sprintf("%s/vouchers?account_id=%d", g.paymentsURL, s.Identity.AccountID))
}

// BuyMpesaFloat initiates an mpesa float purchase for the merchant's store.
func (g *Gateway) BuyMpesaFloat(c *fiber.Ctx) error {
	s, err := g.current(c)
	if err != nil {
		return err
	}
	return g.forward(c, fmt.Sprintf("%s/merchants/%d/buy-mpesa-float", g.merchantsURL, s.Identity.MerchantID))
}

// FloatTopUp credits the merchant's float account from a payment source.
func (g *Gateway) FloatTopUp(c *fiber.Ctx) error {
	s, err := g.current(c)
	if err != nil {
		return err
	}
	return g.forward(c, fmt.Sprintf("%s/merchants/%d/float-top-up", g.merchantsURL, s.Identity.MerchantID))
}

// WithdrawEarnings moves commission earnings to the chosen destination.
func (g *Gateway) WithdrawEarnings(c *fiber.Ctx) error {
	s, err := g.current(c)
	if err != nil {
		return err
	}
	return g.forward(c, fmt.Sprintf("%s/merchants/%d/earnings/withdraw", g.merchantsURL, s.Identity.MerchantID))
}

func (g *Gateway) current(c *fiber.Ctx) (session.Session, error) {
	s, ok := middleware.SessionFrom(c)
	if !ok {
		return session.Session{}, fiber.NewError(fiber.StatusUnauthorized, "Unauthorized")
	}
	return s, nil
}

func (g *Gateway) forward(c *fiber.Ctx, target string) error {
	token, err := g.tokens.Token(c.UserContext())
	if err != nil {
		g.logger.Error("proxy: service token unavailable", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"message": "Network Error! Service unavailable.",
		})
	}

	// Replace the browser's session bearer with the service credential.
	c.Request().Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	c.Request().Header.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)

	if err := fiberproxy.Do(c, target); err != nil {
		g.logger.Error("proxy: upstream request failed", "target", target, "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"message": "Network Error! Service unavailable.",
		})
	}
	c.Response().Header.Del(fiber.HeaderServer)
	return nil
}
