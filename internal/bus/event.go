package bus

import (
	"strings"
	"time"
)

// Event is one domain event. Kind is dot-namespaced, as in "view.updated" or
// "mutation.persist_failed". Payload belongs to the publisher and must be
// treated as read-only by subscribers.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// In reports whether the event's kind starts with any of the namespaces. The
// empty namespace matches every kind.
func (e Event) In(namespaces ...string) bool {
	for _, ns := range namespaces {
		if strings.HasPrefix(e.Kind, ns) {
			return true
		}
	}
	return false
}
