// Package eventlog is the resumability buffer behind SSE streams. Every frame
// written to a stream is first appended to that stream's log, which assigns
// its event id. A client that reconnects with the last id it saw is replayed
// everything after it, or told the stream cannot be resumed.
//
// # Retention
//
// Logs are bounded per stream by Retention: at most MaxEvents of the newest
// events are kept (default 1024), and when MaxAge is positive events older
// than MaxAge are evicted too (default: no age bound). Eviction is the only
// way an event leaves a live stream's log, and a replay that would need an
// evicted event fails with ErrUnresumable rather than skipping it.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnresumable is returned by Replay when the requested position is outside
// the retained window: its successor was evicted, or it was never issued.
var ErrUnresumable = errors.New("eventlog: stream not resumable from requested event id")

// DefaultMaxEvents is the per-stream count bound used when Retention.MaxEvents
// is zero.
const DefaultMaxEvents = 1024

// Retention is the eviction policy applied to every stream of a Log.
type Retention struct {
	MaxEvents int
	MaxAge    time.Duration
}

// Normalize fills defaults.
func (r Retention) Normalize() Retention {
	if r.MaxEvents <= 0 {
		r.MaxEvents = DefaultMaxEvents
	}
	if r.MaxAge < 0 {
		r.MaxAge = 0
	}
	return r
}

// Key names one stream of one session.
type Key struct {
	SessionID string
	StreamID  string
}

func (k Key) String() string { return k.SessionID + "/" + k.StreamID }

// Event is one appended frame.
type Event struct {
	ID        uint64
	Payload   []byte
	EmittedAt time.Time
}

// Log stores per-stream event sequences. Implementations must be safe for
// concurrent use; Append calls for the same key are serialized by callers.
type Log interface {
	// Append stores payload as the stream's next event and returns it. Ids
	// start at 1 and are never reused for a key, even after eviction.
	Append(ctx context.Context, key Key, payload []byte) (Event, error)

	// Replay returns the retained events with id greater than after, in
	// ascending order. A stream that has never been appended to replays as
	// empty from 0. ErrUnresumable is returned when any event after the
	// position has been evicted or when after exceeds the last issued id.
	Replay(ctx context.Context, key Key, after uint64) ([]Event, error)

	// Delete drops a stream's log. The key must not be appended to again.
	Delete(ctx context.Context, key Key) error

	// DeleteSession drops every stream log of a session.
	DeleteSession(ctx context.Context, sessionID string) error
}

// Refresher is implemented by logs whose keys expire when left alone. A
// reader holding a stream open calls Refresh so that an idle but attached
// stream keeps its events and its id counter.
type Refresher interface {
	Refresh(ctx context.Context, key Key) error
}

// CheckContiguous validates a replay result against the last issued id. It
// lets backends read the range and the counter without a transaction: the
// range must begin exactly at after+1 unless nothing was issued after it.
func CheckContiguous(events []Event, after, last uint64) error {
	if after > last {
		return fmt.Errorf("%w: event %d was never issued (last is %d)", ErrUnresumable, after, last)
	}
	if after == last {
		return nil
	}
	if len(events) == 0 || events[0].ID != after+1 {
		return fmt.Errorf("%w: events after %d were evicted", ErrUnresumable, after)
	}
	return nil
}

// DropExpired removes leading events older than maxAge at now. It is used by
// backends that apply the age bound lazily.
func DropExpired(events []Event, maxAge time.Duration, now time.Time) []Event {
	if maxAge <= 0 {
		return events
	}
	cutoff := now.Add(-maxAge)
	i := 0
	for i < len(events) && events[i].EmittedAt.Before(cutoff) {
		i++
	}
	return events[i:]
}

// FormatEventID renders the SSE id for event seq of stream streamID.
func FormatEventID(streamID string, seq uint64) string {
	return streamID + ":" + strconv.FormatUint(seq, 10)
}

// ErrMalformedEventID is returned by ParseEventID.
var ErrMalformedEventID = errors.New("eventlog: malformed event id")

// ParseEventID splits an SSE id produced by FormatEventID.
func ParseEventID(s string) (streamID string, seq uint64, err error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedEventID, s)
	}
	seq, err = strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedEventID, s)
	}
	return s[:i], seq, nil
}
