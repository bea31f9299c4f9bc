package notification

import (
	"context"
	"log/slog"
)

const (
	// KindSignIn flags a successful portal sign-in (new browser alert).
	KindSignIn = "merchant_sign_in"
)

// Message describes a notification payload.
type Message struct {
	Kind        string `json:"event_type"`
	Destination string `json:"destination"`
	Body        string `json:"content"`
}

// Notifier delivers notifications to the merchant's phone.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger. Used in development
// and whenever the notify service is not configured.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}
