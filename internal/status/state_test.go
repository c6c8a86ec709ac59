package status

import (
	"testing"
	"time"

	"github.com/matheus3301/vksync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Uninitialized {
		t.Errorf("initial state = %s, want UNINITIALIZED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Uninitialized, AcquiringEndpoint},
		{Uninitialized, Terminated},
		{AcquiringEndpoint, Streaming},
		{AcquiringEndpoint, Terminated},
		{Streaming, SessionExpired},
		{Streaming, Terminated},
		{SessionExpired, AcquiringEndpoint},
		{SessionExpired, Terminated},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Streaming); err == nil {
		t.Error("Transition(UNINITIALIZED -> STREAMING) should fail")
	}
}

// TestStreamingCannotSkipReacquire verifies an expired stream always goes
// through SESSION_EXPIRED and ACQUIRING_ENDPOINT before streaming again.
func TestStreamingCannotSkipReacquire(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Streaming)

	if err := m.Transition(AcquiringEndpoint); err == nil {
		t.Fatal("STREAMING -> ACQUIRING_ENDPOINT should fail")
	}
	if err := m.Transition(SessionExpired); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Streaming); err == nil {
		t.Fatal("SESSION_EXPIRED -> STREAMING should fail")
	}
	if err := m.Transition(AcquiringEndpoint); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Streaming); err != nil {
		t.Fatal(err)
	}
}

func TestTerminatedIsFinal(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Streaming)
	m.Terminate("logout")

	select {
	case <-m.Done():
	default:
		t.Fatal("Done() not closed after Terminate")
	}
	for _, s := range []State{Uninitialized, AcquiringEndpoint, Streaming, SessionExpired, Terminated} {
		if err := m.Transition(s); err == nil {
			t.Errorf("TERMINATED -> %s should fail", s)
		}
	}
	// Repeated terminate must not panic on the closed channel.
	m.Terminate("again")
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.TransitionWithReason(AcquiringEndpoint, "login"); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindStatusChanged {
			t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindStatusChanged)
		}
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.From != Uninitialized || change.To != AcquiringEndpoint || change.Reason != "login" {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Uninitialized:     {},
		AcquiringEndpoint: {AcquiringEndpoint},
		Streaming:         {AcquiringEndpoint, Streaming},
		SessionExpired:    {AcquiringEndpoint, Streaming, SessionExpired},
		Terminated:        {Terminated},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
