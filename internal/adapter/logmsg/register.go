package logmsg

import "github.com/Strob0t/FlowForge/internal/port/notifier"

func init() {
	notifier.Register(providerName, func(_ map[string]string) (notifier.Notifier, error) {
		return NewNotifier(), nil
	})
}
