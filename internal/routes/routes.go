package routes

import (
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sidooh/merchants-gateway/internal/audit"
	"github.com/sidooh/merchants-gateway/internal/auth"
	"github.com/sidooh/merchants-gateway/internal/config"
	"github.com/sidooh/merchants-gateway/internal/middleware"
	"github.com/sidooh/merchants-gateway/internal/notification"
	"github.com/sidooh/merchants-gateway/internal/proxy"
	"github.com/sidooh/merchants-gateway/internal/session"
	"github.com/sidooh/merchants-gateway/internal/token"
	"github.com/sidooh/merchants-gateway/internal/upstream"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Sessions live in Redis; there is no fallback store.
	if d.Cache == nil {
		return fmt.Errorf("redis is required")
	}
	if !d.Cfg.IsDev() && d.DB == nil {
		return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.RequestLog(d.Logger))

	// Service credential shared by all upstream calls. The browser's session
	// token never leaves this process boundary in the other direction.
	tokens := token.New(d.Cfg.AccountsAPIURL, d.Cfg.ServiceEmail, d.Cfg.ServicePassword, d.Cfg.TokenRefreshMargin, d.Logger)

	accounts := upstream.NewAccounts(d.Cfg.AccountsAPIURL, tokens, d.Logger)
	merchants := upstream.NewMerchants(d.Cfg.MerchantsAPIURL, tokens, d.Logger)
	verifier := upstream.NewVerifier(accounts, merchants)

	store := session.NewRedisStore(d.Cache, d.Cfg.SessionTTL)

	var auditRepo audit.Repository
	if d.DB != nil {
		auditRepo = audit.NewPostgresRepository(d.DB)
	} else {
		auditRepo = audit.NewMemoryRepository()
	}
	recorder := audit.NewRecorder(auditRepo, d.Logger)

	var notifier notification.Notifier
	if d.Cfg.NotifyAPIURL != "" {
		notifier = upstream.NewAPINotifier(d.Cfg.NotifyAPIURL, tokens, d.Logger)
	} else {
		notifier = notification.NewLoggerNotifier(d.Logger)
	}

	machine := session.NewMachine(d.Cfg, store, verifier, accounts, accounts, tokens, d.Logger,
		session.WithRecorder(recorder),
		session.WithNotifier(notifier),
	)

	authHandler := auth.NewHandler(machine, recorder, d.Logger)
	gateway := proxy.NewGateway(d.Cfg.MerchantsAPIURL, d.Cfg.PaymentsAPIURL, d.Cfg.SavingsAPIURL, tokens, d.Logger)

	RegisterHealthRoutes(app, d)

	api := app.Group("/api/v1", middleware.SessionResolver(machine, d.Logger))

	RegisterAuthRoutes(api, authHandler, machine, middleware.LoginRateLimit(d.Cache, 5), d.Logger)
	RegisterPortalRoutes(api, gateway, machine, d.Cache, d.Cfg, d.Logger)

	return nil
}
