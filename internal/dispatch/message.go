package dispatch

import "context"

// Message is a deliverable unit routed to exactly one destination.
type Message interface {
	Route() Route
	Send(ctx context.Context) error
}

// Route tells the queue where a message goes and whether recipient groups
// must be made notifiable around its delivery.
type Route struct {
	DestinationID string
	// Mentions is nil for messages that are sent immediately.
	Mentions *Mentions
}

// Deferred reports whether the message waits for Flush.
func (r Route) Deferred() bool { return r.Mentions != nil }

// Mentions is a non-empty ordered list of recipient group ids.
type Mentions struct {
	groupIDs []string
}

// NewMentions returns nil when no non-empty id is given, so a Route built
// from it is sent immediately.
func NewMentions(groupIDs ...string) *Mentions {
	ids := make([]string, 0, len(groupIDs))
	for _, id := range groupIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return &Mentions{groupIDs: ids}
}

// GroupIDs returns a copy of the ids, duplicates included.
func (m *Mentions) GroupIDs() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.groupIDs...)
}

// Factory turns raw input into a Message. It must not fail; problems with
// the input surface from Send.
type Factory[T any] func(raw T) Message
