package outbox

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Op names an optimistic conversation mutation.
type Op string

const (
	OpPin         Op = "pin"
	OpMute        Op = "mute"
	OpArchive     Op = "archive"
	OpDelete      Op = "delete"
	OpSnooze      Op = "snooze"
	OpMarkRead    Op = "mark_read"
	OpMarkUnread  Op = "mark_unread"
	OpReorderPins Op = "reorder_pins"
)

// Mutation is a user-initiated change to one conversation, or to the pin
// order for OpReorderPins.
type Mutation struct {
	Op       Op       `json:"op"`
	ThreadID string   `json:"thread_id,omitempty"`
	Value    bool     `json:"value,omitempty"` // pin, mute, archive
	Until    int64    `json:"until,omitempty"` // snooze deadline, unix millis; 0 clears
	Order    []string `json:"order,omitempty"` // reorder_pins
}

// ErrInvalidMutation wraps every Validate failure.
var ErrInvalidMutation = errors.New("invalid mutation")

// Validate checks that m carries what its op needs.
func (m Mutation) Validate() error {
	switch m.Op {
	case OpPin, OpMute, OpArchive, OpDelete, OpSnooze, OpMarkRead, OpMarkUnread:
		if m.ThreadID == "" {
			return fmt.Errorf("%w: %s: thread id is required", ErrInvalidMutation, m.Op)
		}
	case OpReorderPins:
		if len(m.Order) == 0 {
			return fmt.Errorf("%w: %s: order is required", ErrInvalidMutation, m.Op)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, m.Op)
	}
	if m.Until < 0 {
		return fmt.Errorf("%w: %s: negative snooze deadline", ErrInvalidMutation, m.Op)
	}
	return nil
}

// Write is one entry of the pending-write log: a mutation plus the stored
// threads it applies to.
type Write struct {
	ID       string   `json:"id"`
	Mutation Mutation `json:"mutation"`
	Targets  []string `json:"targets"`
	Attempts int      `json:"attempts,omitempty"`
	Error    string   `json:"error,omitempty"`

	logged bool
}

// NewWrite assigns a fresh id to a mutation bound for targets.
func NewWrite(m Mutation, targets []string) Write {
	return Write{ID: uuid.NewString(), Mutation: m, Targets: targets}
}
