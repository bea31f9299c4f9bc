package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName           = "Sidooh Merchants Gateway"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultIdlePromptWindow  = 40 * time.Second
	defaultOTPResendCooldown = 60 * time.Second
	defaultOTPMaxAttempts    = 3
	defaultTokenMargin       = 3 * time.Minute
	defaultSessionTTL        = 24 * time.Hour
	defaultIdempotencyTTL    = 24 * time.Hour
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName  string
	AppEnv   string
	Port     string
	LogLevel string

	RedisURL    string
	DatabaseURL string

	// Upstream Sidooh services.
	AccountsAPIURL  string
	MerchantsAPIURL string
	PaymentsAPIURL  string
	SavingsAPIURL   string
	NotifyAPIURL    string

	// Service account used to obtain the backend bearer token.
	ServiceEmail    string
	ServicePassword string

	// Session lifecycle timers.
	IdleTimeout        time.Duration
	IdlePromptWindow   time.Duration
	OTPResendCooldown  time.Duration
	OTPMaxAttempts     int
	TokenRefreshMargin time.Duration
	SessionTTL         time.Duration

	IdempotencyTTL time.Duration
	ShutdownPeriod time.Duration
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:         getEnv("APP_NAME", defaultAppName),
		AppEnv:          strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:            getEnv("PORT", defaultPort),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		RedisURL:        os.Getenv("REDIS_URL"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		AccountsAPIURL:  os.Getenv("ACCOUNTS_API_URL"),
		MerchantsAPIURL: os.Getenv("MERCHANTS_API_URL"),
		PaymentsAPIURL:  os.Getenv("PAYMENTS_API_URL"),
		SavingsAPIURL:   os.Getenv("SAVINGS_API_URL"),
		NotifyAPIURL:    os.Getenv("NOTIFY_API_URL"),
		ServiceEmail:    os.Getenv("SERVICE_ACCOUNT_EMAIL"),
		ServicePassword: os.Getenv("SERVICE_ACCOUNT_PASSWORD"),
		OTPMaxAttempts:  defaultOTPMaxAttempts,
	}

	var err error
	if cfg.IdleTimeout, err = durationEnv("IDLE_TIMEOUT", defaultIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.IdlePromptWindow, err = durationEnv("IDLE_PROMPT_WINDOW", defaultIdlePromptWindow); err != nil {
		return Config{}, err
	}
	if cfg.OTPResendCooldown, err = durationEnv("OTP_RESEND_COOLDOWN", defaultOTPResendCooldown); err != nil {
		return Config{}, err
	}
	if cfg.TokenRefreshMargin, err = durationEnv("TOKEN_REFRESH_MARGIN", defaultTokenMargin); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = durationEnv("SESSION_TTL", defaultSessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("OTP_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid OTP_MAX_ATTEMPTS: %q", v)
		}
		cfg.OTPMaxAttempts = n
	}

	if cfg.IdlePromptWindow >= cfg.IdleTimeout {
		return Config{}, fmt.Errorf("IDLE_PROMPT_WINDOW must be shorter than IDLE_TIMEOUT")
	}

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}

	if !cfg.IsDev() {
		for name, v := range map[string]string{
			"ACCOUNTS_API_URL":         cfg.AccountsAPIURL,
			"MERCHANTS_API_URL":        cfg.MerchantsAPIURL,
			"PAYMENTS_API_URL":         cfg.PaymentsAPIURL,
			"SERVICE_ACCOUNT_EMAIL":    cfg.ServiceEmail,
			"SERVICE_ACCOUNT_PASSWORD": cfg.ServicePassword,
		} {
			if v == "" {
				return Config{}, fmt.Errorf("%s must be set when APP_ENV=%s", name, cfg.AppEnv)
			}
		}
	}

	return cfg, nil
}

// IsDev reports whether the app runs in a development environment.
func (c Config) IsDev() bool {
	switch c.AppEnv {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// durationEnv reads KEY_SECONDS as an integer or KEY as a Go duration string,
// preferring the seconds form when both are present.
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", key, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
