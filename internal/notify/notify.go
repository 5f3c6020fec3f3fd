package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Notification is a user-facing alert. Only terminal sync failures produce
// one; transient recoveries stay silent.
type Notification struct {
	Title string
	Body  string
}

// Notifier delivers user-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. Used by headless daemons and
// as the default when no platform notifier is wired.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, notification Notification) error {
	n.log.Warn().Str("title", notification.Title).Msg(notification.Body)
	return nil
}
