package sessions

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateUnknown is reported for ids the store has never issued or has
	// already forgotten.
	StateUnknown State = iota
	StateActive
	StateExpired
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "active":
		return StateActive, nil
	case "expired":
		return StateExpired, nil
	case "terminated":
		return StateTerminated, nil
	case "unknown":
		return StateUnknown, nil
	}
	return StateUnknown, fmt.Errorf("sessions: unknown state %q", s)
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateExpired || s == StateTerminated }

// Metadata is the stored representation of a session.
type Metadata struct {
	SessionID  string        `json:"session_id"`
	CreatedAt  time.Time     `json:"created_at"`
	LastSeenAt time.Time     `json:"last_seen_at"`
	EndedAt    time.Time     `json:"ended_at,omitzero"`
	TTL        time.Duration `json:"ttl"`
	State      State         `json:"state"`
}

// IdleAt reports whether an Active session has been idle longer than its TTL
// at time now. A zero TTL never idles out.
func (m *Metadata) IdleAt(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.LastSeenAt) > m.TTL
}

// Errors returned by the manager and stores.
var (
	ErrSessionNotFound   = errors.New("sessions: session not found")
	ErrSessionExpired    = errors.New("sessions: session expired")
	ErrSessionTerminated = errors.New("sessions: session terminated")
	ErrSessionExists     = errors.New("sessions: session already exists")
)

// errForState maps a non-active state to the matching sentinel.
func errForState(s State) error {
	switch s {
	case StateActive:
		return nil
	case StateExpired:
		return ErrSessionExpired
	case StateTerminated:
		return ErrSessionTerminated
	default:
		return ErrSessionNotFound
	}
}
