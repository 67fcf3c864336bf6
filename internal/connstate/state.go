// Package connstate owns the shared connection state: the
// connected/reachable flags read by UI clients and the lifecycle phase
// of the socket connection. Only the socket manager and the
// connectivity monitor write to it.
package connstate

import (
	"fmt"
	"slices"
	"sync"

	"github.com/kristikumria/komuniteti-chatd/internal/bus"
)

// Phase is a socket lifecycle phase.
type Phase string

const (
	Offline      Phase = "OFFLINE"
	Connecting   Phase = "CONNECTING"
	Connected    Phase = "CONNECTED"
	Reconnecting Phase = "RECONNECTING"
	Unreachable  Phase = "UNREACHABLE"
)

// validTransitions defines allowed phase transitions. A transition to
// the current phase is always a no-op.
var validTransitions = map[Phase][]Phase{
	Offline:      {Connecting},
	Connecting:   {Connected, Reconnecting, Unreachable, Offline},
	Connected:    {Reconnecting, Offline},
	Reconnecting: {Connecting, Unreachable, Offline},
	Unreachable:  {Connecting, Offline},
}

// Flags is the connectivity tuple surfaced to UI clients.
type Flags struct {
	IsConnected         bool `json:"isConnected"`
	IsInternetReachable bool `json:"isInternetReachable"`
}

// Change is the payload published on every state change.
type Change struct {
	Phase Phase `json:"phase"`
	Flags Flags `json:"flags"`
}

// Tracker tracks the connection phase and flags, enforcing phase
// transitions and publishing "conn.state_changed" on every change.
type Tracker struct {
	mu    sync.RWMutex
	phase Phase
	flags Flags
	bus   *bus.Bus
}

// NewTracker creates a tracker starting Offline with both flags false.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{phase: Offline, bus: b}
}

// Phase returns the current phase.
func (t *Tracker) Phase() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phase
}

// Flags returns the current connectivity flags.
func (t *Tracker) Flags() Flags {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.flags
}

// SetPhase moves to a new phase. Moving to the current phase is a
// no-op; an invalid transition returns an error and leaves state
// untouched. IsConnected follows the phase; Unreachable also clears
// reachability.
func (t *Tracker) SetPhase(to Phase) error {
	t.mu.Lock()
	if to == t.phase {
		t.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[t.phase], to) {
		from := t.phase
		t.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	t.phase = to
	t.flags.IsConnected = to == Connected
	switch to {
	case Connected:
		t.flags.IsInternetReachable = true
	case Unreachable, Offline:
		t.flags.IsInternetReachable = false
	}
	change := Change{Phase: t.phase, Flags: t.flags}
	t.mu.Unlock()

	t.publish(change)
	return nil
}

// SetReachability records a reachability report from the connectivity
// monitor. It never changes the phase; the monitor drives reconnects
// through the socket manager instead.
func (t *Tracker) SetReachability(reachable bool) {
	t.mu.Lock()
	if t.flags.IsInternetReachable == reachable {
		t.mu.Unlock()
		return
	}
	t.flags.IsInternetReachable = reachable
	change := Change{Phase: t.phase, Flags: t.flags}
	t.mu.Unlock()

	t.publish(change)
}

func (t *Tracker) publish(change Change) {
	if t.bus != nil {
		t.bus.Publish(bus.Event{Kind: "conn.state_changed", Payload: change})
	}
}
