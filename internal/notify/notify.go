// Package notify is the outbound notification port. The core engines
// emit user-facing events through it; delivery is fire-and-forget and
// never blocks or fails an engine operation.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Event is one user-facing notification.
type Event struct {
	UserID int64          `json:"user_id"`
	Kind   string         `json:"kind"` // order_completed, order_failed, p2p_status, fee_summary, ...
	Text   string         `json:"text"`
	Data   map[string]any `json:"data,omitempty"`
}

// Notifier delivers events to users. Implementations must return
// immediately; delivery happens in the background.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop drops every event. Used when no webhook is configured and in tests.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

const webhookAttempts = 3

// Webhook POSTs events to a delivery endpoint (the presentation layer's
// ingest). Each event is sent on its own goroutine with bounded retries;
// a dropped event is logged and forgotten.
type Webhook struct {
	http   *resty.Client
	logger *slog.Logger
}

func NewWebhook(url string, timeout time.Duration, logger *slog.Logger) *Webhook {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetRetryCount(webhookAttempts - 1).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	return &Webhook{
		http:   client,
		logger: logger.With("component", "notify"),
	}
}

// Notify dispatches the event asynchronously. The caller's ctx only
// gates the enqueue; delivery runs on its own deadline so an engine
// rollback never cancels a notification already owed to the user.
func (w *Webhook) Notify(_ context.Context, ev Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		resp, err := w.http.R().SetContext(ctx).SetBody(ev).Post("")
		if err != nil {
			w.logger.Warn("notification dropped", "user", ev.UserID, "kind", ev.Kind, "error", err)
			return
		}
		if resp.IsError() {
			w.logger.Warn("notification rejected",
				"user", ev.UserID, "kind", ev.Kind, "status", resp.StatusCode())
		}
	}()
}
