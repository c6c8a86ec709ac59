package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/vksync/internal/bus"
)

// State is a long-poll driver state.
type State string

const (
	Uninitialized     State = "UNINITIALIZED"
	AcquiringEndpoint State = "ACQUIRING_ENDPOINT"
	Streaming         State = "STREAMING"
	SessionExpired    State = "SESSION_EXPIRED"
	Terminated        State = "TERMINATED"
)

// validTransitions defines allowed state transitions. Terminated has no exits.
var validTransitions = map[State][]State{
	Uninitialized:     {AcquiringEndpoint, Terminated},
	AcquiringEndpoint: {Streaming, Terminated},
	Streaming:         {SessionExpired, Terminated},
	SessionExpired:    {AcquiringEndpoint, Terminated},
}

// Machine tracks and enforces driver state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
	done    chan struct{}
}

// NewMachine creates a new state machine starting in Uninitialized state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Uninitialized,
		since:   time.Now(),
		bus:     b,
		done:    make(chan struct{}),
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Done is closed once the machine reaches Terminated.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Terminated reports whether the machine has reached its final state.
func (m *Machine) Terminated() bool {
	return m.Current() == Terminated
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.TransitionWithReason(to, "")
}

// TransitionWithReason is Transition with a human-readable cause attached
// to the published change.
func (m *Machine) TransitionWithReason(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if to == Terminated {
		close(m.done)
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: m.since,
			Payload: StatusChange{
				From:   from,
				To:     to,
				Reason: reason,
			},
		})
	}
	return nil
}

// Terminate moves to Terminated from any live state. It is a no-op when
// already terminated.
func (m *Machine) Terminate(reason string) {
	if m.Terminated() {
		return
	}
	_ = m.TransitionWithReason(Terminated, reason)
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State
	To     State
	Reason string
}
