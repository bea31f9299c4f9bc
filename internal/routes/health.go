package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RegisterHealthRoutes adds liveness/readiness style endpoints. Redis backs
// the session store so its failure marks the service unready; Postgres only
// holds the audit trail and is optional in dev.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		redisStatus := "ok"
		dbStatus := "ok"

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := d.Cache.Ping(ctx).Err(); err != nil {
			redisStatus = err.Error()
		}
		if d.DB != nil {
			if err := d.DB.Ping(ctx); err != nil {
				dbStatus = err.Error()
			}
		}
		status := http.StatusOK
		if redisStatus != "ok" || dbStatus != "ok" {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    fiber.Map{"redis": redisStatus, "postgres": dbStatus},
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
