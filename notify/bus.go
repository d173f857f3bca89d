package notify

import "context"

// Bus is the push transport consumed by the approval orchestrator. Delivery
// is fire-and-forget: implementations may drop events, and callers must never
// treat a delivery error as fatal to the state transition that produced it.
type Bus interface {
	Notify(ctx context.Context, recipientIDs []string, eventType string, payload map[string]any) error
}

// Event is a single fan-out record.
type Event struct {
	Recipients []string
	Type       string
	Payload    map[string]any
}
