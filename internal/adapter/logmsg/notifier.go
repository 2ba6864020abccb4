// Package logmsg implements a notifier.Notifier that writes to the structured
// log. Useful as a default provider and in development.
package logmsg

import (
	"context"
	"log/slog"

	"github.com/Strob0t/FlowForge/internal/port/notifier"
)

const providerName = "log"

// Notifier writes notifications to slog.
type Notifier struct{}

// NewNotifier creates a log notifier.
func NewNotifier() *Notifier { return &Notifier{} }

func (n *Notifier) Name() string { return providerName }

func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{}
}

func (n *Notifier) Send(_ context.Context, notification notifier.Notification) error {
	attrs := []any{
		"title", notification.Title,
		"message", notification.Message,
		"source", notification.Source,
		"request_id", notification.RequestID,
	}
	switch notification.Level {
	case "error":
		slog.Error("notification", attrs...)
	case "warning":
		slog.Warn("notification", attrs...)
	default:
		slog.Info("notification", attrs...)
	}
	return nil
}
