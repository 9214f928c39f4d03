// Package eventlogtest is the conformance suite for eventlog.Log
// implementations.
package eventlogtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streaming-http-go/eventlog"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// LogFactory creates a Log with the given retention and clock.
type LogFactory func(t *testing.T, r eventlog.Retention, now func() time.Time) eventlog.Log

// RunLogTests runs the complete Log test suite against the provided factory.
func RunLogTests(t *testing.T, factory LogFactory) {
	t.Run("Append_AssignsDenseIDsFromOne", func(t *testing.T) { testAppendIDs(t, factory) })
	t.Run("Replay_FromZeroReturnsAll", func(t *testing.T) { testReplayAll(t, factory) })
	t.Run("Replay_AfterReturnsTail", func(t *testing.T) { testReplayTail(t, factory) })
	t.Run("Replay_CaughtUpIsEmpty", func(t *testing.T) { testReplayCaughtUp(t, factory) })
	t.Run("Replay_FutureIDUnresumable", func(t *testing.T) { testReplayFuture(t, factory) })
	t.Run("Replay_UnknownStream", func(t *testing.T) { testReplayUnknown(t, factory) })
	t.Run("Retention_CountEvictionUnresumable", func(t *testing.T) { testCountEviction(t, factory) })
	t.Run("Retention_AgeEvictionUnresumable", func(t *testing.T) { testAgeEviction(t, factory) })
	t.Run("Streams_Isolated", func(t *testing.T) { testStreamIsolation(t, factory) })
	t.Run("Delete_IDsNotReusedAcrossReplay", func(t *testing.T) { testIDsNotReused(t, factory) })
	t.Run("DeleteSession_DropsAllStreams", func(t *testing.T) { testDeleteSession(t, factory) })
	t.Run("Append_ConcurrentStreams", func(t *testing.T) { testConcurrentStreams(t, factory) })
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newKey() eventlog.Key {
	return eventlog.Key{SessionID: uuid.NewString(), StreamID: uuid.NewString()}
}

func appendN(t *testing.T, l eventlog.Log, key eventlog.Key, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), key, []byte(fmt.Sprintf(`{"n":%d}`, i+1)))
		require.NoError(t, err)
	}
}

func ids(events []eventlog.Event) []uint64 {
	out := make([]uint64, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func testAppendIDs(t *testing.T, factory LogFactory) {
	c := newClock()
	l := factory(t, eventlog.Retention{}, c.Now)
	key := newKey()

	for i := 1; i <= 5; i++ {
		ev, err := l.Append(context.Background(), key, []byte(`{}`))
		require.NoError(t, err)
		require.Equal(t, uint64(i), ev.ID)
		require.True(t, ev.EmittedAt.Equal(c.Now()), "emitted_at %s", ev.EmittedAt)
	}
}

func testReplayAll(t *testing.T, factory LogFactory) {
	l := factory(t, eventlog.Retention{}, newClock().Now)
	key := newKey()
	appendN(t, l, key, 3)

	events, err := l.Replay(context.Background(), key, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, ids(events))
	require.JSONEq(t, `{"n":2}`, string(events[1].Payload))
}

func testReplayTail(t *testing.T, factory LogFactory) {
	l := factory(t, eventlog.Retention{}, newClock().Now)
	key := newKey()
	appendN(t, l, key, 5)

	events, err := l.Replay(context.Background(), key, 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{4, 5}, ids(events))

	// New events continue the same sequence.
	ev, err := l.Append(context.Background(), key, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, uint64(6), ev.ID)
}

func testReplayCaughtUp(t *testing.T, factory LogFactory) {
	l := factory(t, eventlog.Retention{}, newClock().Now)
	key := newKey()
	appendN(t, l, key, 2)

	events, err := l.Replay(context.Background(), key, 2)
	require.NoError(t, err)
	require.Empty(t, events)
}

func testReplayFuture(t *testing.T, factory LogFactory) {
	l := factory(t, eventlog.Retention{}, newClock().Now)
	key := newKey()
	appendN(t, l, key, 2)

	_, err := l.Replay(context.Background(), key, 3)
	require.ErrorIs(t, err, eventlog.ErrUnresumable)
}

func testReplayUnknown(t *testing.T, factory LogFactory) {
	l := factory(t, eventlog.Retention{}, newClock().Now)
	key := newKey()

	events, err := l.Replay(context.Background(), key, 0)
	require.NoError(t, err)
	require.Empty(t, events)

	_, err = l.Replay(context.Background(), key, 1)
	require.ErrorIs(t, err, eventlog.ErrUnresumable)
}

func testCountEviction(t *testing.T, factory LogFactory) {
	l := factory(t, eventlog.Retention{MaxEvents: 3}, newClock().Now)
	key := newKey()
	appendN(t, l, key, 6) // retains 4, 5, 6

	events, err := l.Replay(context.Background(), key, 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{4, 5, 6}, ids(events))

	_, err = l.Replay(context.Background(), key, 2)
	require.ErrorIs(t, err, eventlog.ErrUnresumable)

	_, err = l.Replay(context.Background(), key, 0)
	require.ErrorIs(t, err, eventlog.ErrUnresumable)
}

func testAgeEviction(t *testing.T, factory LogFactory) {
	c := newClock()
	l := factory(t, eventlog.Retention{MaxAge: time.Minute}, c.Now)
	key := newKey()

	appendN(t, l, key, 2)
	c.Advance(45 * time.Second)
	appendN(t, l, key, 1)
	c.Advance(30 * time.Second) // events 1 and 2 are now 75s old

	events, err := l.Replay(context.Background(), key, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, ids(events))

	_, err = l.Replay(context.Background(), key, 1)
	require.ErrorIs(t, err, eventlog.ErrUnresumable)

	c.Advance(time.Hour)
	events, err = l.Replay(context.Background(), key, 3)
	require.NoError(t, err, "a caught-up reader loses nothing when everything ages out")
	require.Empty(t, events)
}

func testStreamIsolation(t *testing.T, factory LogFactory) {
	l := factory(t, eventlog.Retention{}, newClock().Now)
	a := newKey()
	b := eventlog.Key{SessionID: a.SessionID, StreamID: uuid.NewString()}
	appendN(t, l, a, 3)
	appendN(t, l, b, 1)

	events, err := l.Replay(context.Background(), b, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, ids(events))

	require.NoError(t, l.Delete(context.Background(), b))
	events, err = l.Replay(context.Background(), a, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, ids(events))
}

func testIDsNotReused(t *testing.T, factory LogFactory) {
	l := factory(t, eventlog.Retention{MaxEvents: 2}, newClock().Now)
	key := newKey()
	appendN(t, l, key, 4)

	_, err := l.Replay(context.Background(), key, 4)
	require.NoError(t, err)
	ev, err := l.Append(context.Background(), key, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, uint64(5), ev.ID)
}

func testDeleteSession(t *testing.T, factory LogFactory) {
	l := factory(t, eventlog.Retention{}, newClock().Now)
	a := newKey()
	b := eventlog.Key{SessionID: a.SessionID, StreamID: uuid.NewString()}
	other := newKey()
	appendN(t, l, a, 2)
	appendN(t, l, b, 2)
	appendN(t, l, other, 2)

	require.NoError(t, l.DeleteSession(context.Background(), a.SessionID))

	_, err := l.Replay(context.Background(), a, 1)
	require.ErrorIs(t, err, eventlog.ErrUnresumable)
	_, err = l.Replay(context.Background(), b, 1)
	require.ErrorIs(t, err, eventlog.ErrUnresumable)

	events, err := l.Replay(context.Background(), other, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func testConcurrentStreams(t *testing.T, factory LogFactory) {
	l := factory(t, eventlog.Retention{}, newClock().Now)
	sessionID := uuid.NewString()

	const streams, perStream = 4, 25
	keys := make([]eventlog.Key, streams)
	var wg sync.WaitGroup
	for i := range keys {
		keys[i] = eventlog.Key{SessionID: sessionID, StreamID: uuid.NewString()}
		wg.Add(1)
		go func(key eventlog.Key) {
			defer wg.Done()
			for j := 0; j < perStream; j++ {
				if _, err := l.Append(context.Background(), key, []byte(`{}`)); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(keys[i])
	}
	wg.Wait()

	for _, key := range keys {
		events, err := l.Replay(context.Background(), key, 0)
		require.NoError(t, err)
		require.Len(t, events, perStream)
		for i, e := range events {
			require.Equal(t, uint64(i+1), e.ID)
		}
	}
}
