package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/inbox/internal/bus"
)

// State is a node in a transition table.
type State string

// Push transport connection states.
const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
	Error        State = "ERROR"
	Disabled     State = "DISABLED"
)

// Conversation list load states.
const (
	Empty       State = "EMPTY"
	Loading     State = "LOADING"
	Loaded      State = "LOADED"
	LoadingMore State = "LOADING_MORE"
	Exhausted   State = "EXHAUSTED"
)

// Table maps each state to the states it may move to.
type Table map[State][]State

// ConnectionTable drives the push transport lifecycle.
var ConnectionTable = Table{
	Booting:      {AuthRequired, Connecting, Disabled, Error},
	AuthRequired: {Connecting, Error},
	Connecting:   {Syncing, AuthRequired, Reconnecting, Error},
	Syncing:      {Ready, Reconnecting, Degraded, Error},
	Ready:        {Reconnecting, Degraded, AuthRequired, Error},
	Reconnecting: {Connecting, Degraded, Error},
	Degraded:     {Connecting, Reconnecting, Ready, Error},
	Error:        {Booting},
	Disabled:     {},
}

// ViewTable drives the paginated list cursor. A failed load returns to the
// state it started from; a reconcile may flip between Loaded and Exhausted.
var ViewTable = Table{
	Empty:       {Loading},
	Loading:     {Loaded, Exhausted, Empty},
	Loaded:      {Loading, LoadingMore, Exhausted},
	LoadingMore: {Loaded, Exhausted},
	Exhausted:   {Loading, Loaded},
}

// Machine tracks and enforces state transitions against a table.
type Machine struct {
	mu      sync.RWMutex
	current State
	table   Table
	kind    string
	bus     *bus.Bus
}

// NewMachine creates a connection state machine starting in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return NewTableMachine(b, ConnectionTable, Booting, "session.status_changed")
}

// NewViewMachine creates a list load machine starting in Empty.
func NewViewMachine(b *bus.Bus) *Machine {
	return NewTableMachine(b, ViewTable, Empty, "view.state_changed")
}

// NewTableMachine creates a machine over table. Each transition publishes a
// StatusChange on b under kind.
func NewTableMachine(b *bus.Bus, table Table, initial State, kind string) *Machine {
	return &Machine{
		current: initial,
		table:   table,
		kind:    kind,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(m.table[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      m.kind,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
