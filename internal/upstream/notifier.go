package upstream

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sidooh/merchants-gateway/internal/notification"
)

// APINotifier delivers notifications through the Sidooh notify service.
type APINotifier struct {
	client *Client
}

// NewAPINotifier builds a notify-service backed notifier.
func NewAPINotifier(baseURL string, tokens TokenSource, logger *slog.Logger) *APINotifier {
	return &APINotifier{client: NewClient(baseURL, tokens, logger)}
}

// Send posts the message to the notify service.
func (n *APINotifier) Send(ctx context.Context, message notification.Message) error {
	return n.client.Do(ctx, http.MethodPost, "/notifications", message, nil)
}
