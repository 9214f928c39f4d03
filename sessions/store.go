package sessions

import (
	"context"
	"time"
)

// Store persists session metadata. All mutating methods must be atomic with
// respect to each other for a given session id.
type Store interface {
	// Create persists a new Active session. It returns ErrSessionExists if the
	// id is already known, including ids of ended sessions.
	Create(ctx context.Context, meta *Metadata) error

	// Load returns the stored metadata or ErrSessionNotFound.
	Load(ctx context.Context, sessionID string) (*Metadata, error)

	// Touch records activity at now. If the session is Active but has been
	// idle longer than its TTL it transitions to Expired instead and the last
	// seen time is left unchanged. Sessions in a terminal state are returned
	// as-is. Returns ErrSessionNotFound for unknown ids.
	Touch(ctx context.Context, sessionID string, now time.Time) (*Metadata, error)

	// End moves an Active session to the terminal state to (Expired or
	// Terminated) at now. A session that has already ended keeps its state.
	End(ctx context.Context, sessionID string, to State, now time.Time) (*Metadata, error)
}
