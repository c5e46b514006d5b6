package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vihaar/vihaar-sw/pkg/logging"
)

// Notification defaults.
const (
	DefaultNotificationTitle = "Vihaar"
	DefaultNotificationIcon  = "/icons/icon-192x192.png"
	DefaultNotificationBadge = "/icons/badge-72x72.png"
)

// PushPayload is the JSON body of a push message.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Notification is what gets shown for a push. Data holds the URL opened on
// click.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	Badge string `json:"badge"`
	Data  string `json:"data,omitempty"`
}

// NotificationFor applies the defaults to a push payload.
func NotificationFor(p PushPayload) Notification {
	title := p.Title
	if title == "" {
		title = DefaultNotificationTitle
	}
	return Notification{
		Title: title,
		Body:  p.Body,
		Icon:  DefaultNotificationIcon,
		Badge: DefaultNotificationBadge,
		Data:  p.URL,
	}
}

// Notifier displays notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Show(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogNotifier writes notifications to the log. It is the default when no
// delivery channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logging.NewLogger("push")}
}

func (n *LogNotifier) Show(_ context.Context, notification Notification) error {
	n.logger.Info().
		Str("title", notification.Title).
		Str("body", notification.Body).
		Str("url", notification.Data).
		Msg("Notification")
	return nil
}

func (w *Worker) push(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var payload PushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode push payload: %w", err)
	}
	if err := w.notifier.Show(ctx, NotificationFor(payload)); err != nil {
		return fmt.Errorf("show notification: %w", err)
	}
	return nil
}

func (w *Worker) notificationClick(ctx context.Context, n Notification) error {
	if n.Data == "" {
		return nil
	}
	return w.clients.OpenWindow(ctx, n.Data)
}
