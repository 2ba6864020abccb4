// Package broadcast defines the port for pushing workflow lifecycle events
// (transitions, gate openings, escalations, terminal states) to connected
// clients.
package broadcast

import "context"

// Broadcaster fans a workflow event out to every subscribed client.
type Broadcaster interface {
	// BroadcastEvent sends one typed event. Payloads carrying a request_id
	// field are routed to clients subscribed to that request.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
