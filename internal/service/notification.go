package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/FlowForge/internal/port/notifier"
	"github.com/Strob0t/FlowForge/internal/resilience"
)

// sendTimeout bounds one notification delivery attempt.
const sendTimeout = 10 * time.Second

// NotificationService fans notifications out to all configured providers.
// Delivery is fire-and-forget: provider failures are logged and counted
// against a circuit breaker, never surfaced to workflow progression.
type NotificationService struct {
	providers []notifier.Notifier
	breakers  map[string]*resilience.Breaker
}

// NewNotificationService creates a NotificationService with one breaker per
// provider so a dead webhook cannot starve the others.
func NewNotificationService(providers []notifier.Notifier, maxFailures int, timeout time.Duration) *NotificationService {
	breakers := make(map[string]*resilience.Breaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = resilience.NewBreaker(maxFailures, timeout)
	}
	return &NotificationService{providers: providers, breakers: breakers}
}

// Send delivers the notification to every provider in the background.
func (s *NotificationService) Send(ctx context.Context, n notifier.Notification) {
	for _, p := range s.providers {
		go func(p notifier.Notifier) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()

			err := s.breakers[p.Name()].Execute(func() error {
				return p.Send(sendCtx, n)
			})
			if err != nil {
				slog.Warn("notification delivery failed",
					"provider", p.Name(),
					"source", n.Source,
					"request_id", n.RequestID,
					"error", err,
				)
			}
		}(p)
	}
}

// ProviderStates reports each provider's breaker state for the health endpoint.
func (s *NotificationService) ProviderStates() map[string]string {
	states := make(map[string]string, len(s.breakers))
	for name, b := range s.breakers {
		states[name] = b.State().String()
	}
	return states
}
