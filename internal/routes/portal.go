package routes

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sidooh/merchants-gateway/internal/config"
	"github.com/sidooh/merchants-gateway/internal/guard"
	"github.com/sidooh/merchants-gateway/internal/middleware"
	"github.com/sidooh/merchants-gateway/internal/proxy"
	"github.com/sidooh/merchants-gateway/internal/session"
)

// RegisterPortalRoutes wires the merchant data surface. Everything here
// requires a fully authenticated, unlocked session; money-moving calls
// additionally require an Idempotency-Key so a retried purchase cannot
// execute twice.
func RegisterPortalRoutes(r fiber.Router, g *proxy.Gateway, machine *session.Machine, cache *redis.Client, cfg config.Config, logger *slog.Logger) {
	portal := r.Group("", middleware.Guard(machine, guard.Protected, logger))

	portal.Get("/transactions", g.Transactions)
	portal.Get("/transactions/:id", g.Transaction)
	portal.Get("/earning-accounts", g.EarningAccounts)
	portal.Get("/savings/earnings", g.SavingsEarnings)
	portal.Get("/float-account", g.FloatAccount)
	portal.Get("/vouchers", g.Vouchers)

	purchases := portal.Group("", middleware.Idempotency(cache, cfg.IdempotencyTTL, logger))
	purchases.Post("/float/buy-mpesa", g.BuyMpesaFloat)
	purchases.Post("/float/top-up", g.FloatTopUp)
	purchases.Post("/earnings/withdraw", g.WithdrawEarnings)
}
