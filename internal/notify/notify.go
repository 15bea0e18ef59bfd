// Package notify delivers fire-and-forget out-of-band alerts. It never
// blocks the caller and never feeds back into the agent signal stream.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Notifier posts alert text to a webhook (ntfy-style: body is the message).
type Notifier struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

// New creates a Notifier. An empty url yields a no-op notifier.
func New(url, token string, logger *slog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Notify sends text best-effort in the background. Delivery failures are
// logged and dropped; there is no synchronous retry.
func (n *Notifier) Notify(text string) {
	if n == nil || n.url == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, strings.NewReader(text))
		if err != nil {
			n.logger.Warn("notify request build failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		if n.token != "" {
			req.Header.Set("Authorization", "Bearer "+n.token)
		}

		resp, err := n.client.Do(req)
		if err != nil {
			n.logger.Warn("notify delivery failed", "error", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			n.logger.Warn("notify rejected", "status", resp.StatusCode)
		}
	}()
}
