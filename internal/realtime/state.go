package realtime

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/focuscircle/focussync/internal/bus"
)

// State is the connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Failed       State = "FAILED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Failed, Disconnected},
	Connected:    {Reconnecting, Failed, Disconnected},
	Reconnecting: {Connecting, Failed, Disconnected},
	Failed:       {Connecting, Disconnected},
}

// Snapshot is a point-in-time copy of the connection state.
type Snapshot struct {
	State           State
	Attempt         int
	LastHeartbeatAt time.Time
	LastError       error
}

// StateChange is the payload for connection.state_changed events.
type StateChange struct {
	From    State
	To      State
	Attempt int
	Err     error
}

// Machine tracks and enforces connection state transitions. Writes come from
// the manager loop only; reads are safe from any goroutine.
type Machine struct {
	mu   sync.RWMutex
	snap Snapshot
	bus  *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		snap: Snapshot{State: Disconnected},
		bus:  b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.State
}

// Snapshot returns a copy of the full connection state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Transition moves to a new state, recording the attempt counter and the error
// that caused the move (nil clears it). Entering Connected always resets the
// attempt counter.
func (m *Machine) Transition(to State, attempt int, cause error) error {
	m.mu.Lock()
	allowed := validTransitions[m.snap.State]
	if !slices.Contains(allowed, to) {
		from := m.snap.State
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	if to == Connected {
		attempt = 0
	}
	from := m.snap.State
	m.snap.State = to
	m.snap.Attempt = attempt
	m.snap.LastError = cause
	m.mu.Unlock()

	m.bus.Emit(bus.KindConnectionState, StateChange{
		From:    from,
		To:      to,
		Attempt: attempt,
		Err:     cause,
	})
	return nil
}

// MarkHeartbeat records when the last ping was sent.
func (m *Machine) MarkHeartbeat(at time.Time) {
	m.mu.Lock()
	m.snap.LastHeartbeatAt = at
	m.mu.Unlock()
}
