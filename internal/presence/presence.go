package presence

import (
	"errors"
	"fmt"
	"time"
)

// Status is the connectivity state of a registered agent.
type Status string

const (
	StatusPending Status = "pending"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusRevoked Status = "revoked"
)

// Event is something that happened to an agent's channel or registration.
type Event int

const (
	EventAuthenticated Event = iota + 1
	EventDisconnected
	EventRevoked
)

var ErrInvalidTransition = errors.New("invalid presence transition")

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusOnline, StatusOffline, StatusRevoked:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.Valid() {
		return "", fmt.Errorf("invalid status: %s", s)
	}
	return status, nil
}

func (e Event) String() string {
	switch e {
	case EventAuthenticated:
		return "authenticated"
	case EventDisconnected:
		return "disconnected"
	case EventRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// transitions maps each event to the states it may fire from and the state
// it lands in. Revoked is terminal: it appears as a source only for the
// revoke event itself.
var transitions = map[Event]struct {
	from []Status
	to   Status
}{
	EventAuthenticated: {
		from: []Status{StatusPending, StatusOnline, StatusOffline},
		to:   StatusOnline,
	},
	EventDisconnected: {
		from: []Status{StatusOnline, StatusOffline},
		to:   StatusOffline,
	},
	EventRevoked: {
		from: []Status{StatusPending, StatusOnline, StatusOffline, StatusRevoked},
		to:   StatusRevoked,
	},
}

// Transition returns the state reached from `from` when ev occurs.
func Transition(from Status, ev Event) (Status, error) {
	t, ok := transitions[ev]
	if !ok {
		return from, fmt.Errorf("%w: unknown event %d", ErrInvalidTransition, ev)
	}
	for _, s := range t.from {
		if s == from {
			return t.to, nil
		}
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
}

// AllowedFrom lists the source states for ev. Stores use it to apply a
// transition as a single conditional update.
func AllowedFrom(ev Event) []Status {
	t, ok := transitions[ev]
	if !ok {
		return nil
	}
	out := make([]Status, len(t.from))
	copy(out, t.from)
	return out
}

// Target returns the state ev lands in regardless of source.
func Target(ev Event) (Status, bool) {
	t, ok := transitions[ev]
	return t.to, ok
}

// Change is a presence update fanned out to other processes.
type Change struct {
	AgentID  string    `json:"agent_id"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen,omitempty"`
	At       time.Time `json:"at"`
}
