package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// EventStateChanged is published on every successful transition.
const EventStateChanged = "realtime.state_changed"

// State represents a realtime connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

// Machine tracks and enforces realtime connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
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
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(EventStateChanged, StatusChange{From: from, To: to}))
	}
	return nil
}

// Reset forces the machine back to Disconnected from any state. It reports
// whether the state changed.
func (m *Machine) Reset() bool {
	m.mu.Lock()
	from := m.current
	m.current = Disconnected
	m.mu.Unlock()

	if from == Disconnected {
		return false
	}
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(EventStateChanged, StatusChange{From: from, To: Disconnected}))
	}
	return true
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
