// Package storetest is the conformance suite for sessions.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streaming-http-go/sessions"
	"github.com/google/uuid"
)

// StoreFactory creates a new Store instance for testing.
type StoreFactory func(t *testing.T) sessions.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Create_ThenLoad", func(t *testing.T) { testCreateThenLoad(t, factory) })
	t.Run("Create_DuplicateRejected", func(t *testing.T) { testCreateDuplicate(t, factory) })
	t.Run("Load_Unknown", func(t *testing.T) { testLoadUnknown(t, factory) })
	t.Run("Touch_ExtendsActive", func(t *testing.T) { testTouchExtends(t, factory) })
	t.Run("Touch_ExpiresIdle", func(t *testing.T) { testTouchExpiresIdle(t, factory) })
	t.Run("Touch_NeverRevivesExpired", func(t *testing.T) { testTouchNeverRevives(t, factory) })
	t.Run("Touch_Unknown", func(t *testing.T) { testTouchUnknown(t, factory) })
	t.Run("End_Terminate", func(t *testing.T) { testEndTerminate(t, factory) })
	t.Run("End_TerminalStateIsSticky", func(t *testing.T) { testEndSticky(t, factory) })
	t.Run("Sessions_Isolated", func(t *testing.T) { testIsolation(t, factory) })
}

var base = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func newMeta(ttl time.Duration) *sessions.Metadata {
	return &sessions.Metadata{
		SessionID:  uuid.NewString(),
		CreatedAt:  base,
		LastSeenAt: base,
		TTL:        ttl,
		State:      sessions.StateActive,
	}
}

func mustCreate(t *testing.T, s sessions.Store, meta *sessions.Metadata) {
	t.Helper()
	if err := s.Create(context.Background(), meta); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func testCreateThenLoad(t *testing.T, factory StoreFactory) {
	s := factory(t)
	meta := newMeta(time.Minute)
	mustCreate(t, s, meta)

	got, err := s.Load(context.Background(), meta.SessionID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want, got := sessions.StateActive, got.State; want != got {
		t.Fatalf("expected state %s, got %s", want, got)
	}
	if !got.CreatedAt.Equal(base) || !got.LastSeenAt.Equal(base) {
		t.Fatalf("unexpected timestamps: created=%s last_seen=%s", got.CreatedAt, got.LastSeenAt)
	}
	if want, got := time.Minute, got.TTL; want != got {
		t.Fatalf("expected ttl %s, got %s", want, got)
	}
}

func testCreateDuplicate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	meta := newMeta(time.Minute)
	mustCreate(t, s, meta)

	if err := s.Create(context.Background(), meta); !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func testLoadUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if _, err := s.Load(context.Background(), uuid.NewString()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testTouchExtends(t *testing.T, factory StoreFactory) {
	s := factory(t)
	meta := newMeta(time.Minute)
	mustCreate(t, s, meta)

	at := base.Add(30 * time.Second)
	got, err := s.Touch(context.Background(), meta.SessionID, at)
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if want, got := sessions.StateActive, got.State; want != got {
		t.Fatalf("expected state %s, got %s", want, got)
	}
	if !got.LastSeenAt.Equal(at) {
		t.Fatalf("expected last seen %s, got %s", at, got.LastSeenAt)
	}

	// The sliding window now runs from the last touch.
	got, err = s.Touch(context.Background(), meta.SessionID, at.Add(50*time.Second))
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if want, got := sessions.StateActive, got.State; want != got {
		t.Fatalf("expected state %s after sliding touch, got %s", want, got)
	}
}

func testTouchExpiresIdle(t *testing.T, factory StoreFactory) {
	s := factory(t)
	meta := newMeta(time.Minute)
	mustCreate(t, s, meta)

	at := base.Add(2 * time.Minute)
	got, err := s.Touch(context.Background(), meta.SessionID, at)
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if want, got := sessions.StateExpired, got.State; want != got {
		t.Fatalf("expected state %s, got %s", want, got)
	}
	if !got.LastSeenAt.Equal(base) {
		t.Fatalf("expected last seen to stay %s, got %s", base, got.LastSeenAt)
	}
	if !got.EndedAt.Equal(at) {
		t.Fatalf("expected ended at %s, got %s", at, got.EndedAt)
	}
}

func testTouchNeverRevives(t *testing.T, factory StoreFactory) {
	s := factory(t)
	meta := newMeta(time.Minute)
	mustCreate(t, s, meta)

	if _, err := s.Touch(context.Background(), meta.SessionID, base.Add(2*time.Minute)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	// A touch carrying an earlier timestamp (clock skew between nodes) must
	// not bring the session back.
	got, err := s.Touch(context.Background(), meta.SessionID, base.Add(time.Second))
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if want, got := sessions.StateExpired, got.State; want != got {
		t.Fatalf("expected state %s, got %s", want, got)
	}
}

func testTouchUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if _, err := s.Touch(context.Background(), uuid.NewString(), base); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testEndTerminate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	meta := newMeta(time.Minute)
	mustCreate(t, s, meta)

	at := base.Add(time.Second)
	got, err := s.End(context.Background(), meta.SessionID, sessions.StateTerminated, at)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if want, got := sessions.StateTerminated, got.State; want != got {
		t.Fatalf("expected state %s, got %s", want, got)
	}

	got, err = s.Touch(context.Background(), meta.SessionID, at.Add(time.Second))
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if want, got := sessions.StateTerminated, got.State; want != got {
		t.Fatalf("expected state %s after touch, got %s", want, got)
	}

	if _, err := s.End(context.Background(), uuid.NewString(), sessions.StateTerminated, at); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testEndSticky(t *testing.T, factory StoreFactory) {
	s := factory(t)
	meta := newMeta(time.Minute)
	mustCreate(t, s, meta)

	if _, err := s.End(context.Background(), meta.SessionID, sessions.StateExpired, base.Add(time.Second)); err != nil {
		t.Fatalf("end: %v", err)
	}
	got, err := s.End(context.Background(), meta.SessionID, sessions.StateTerminated, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if want, got := sessions.StateExpired, got.State; want != got {
		t.Fatalf("expected state to remain %s, got %s", want, got)
	}
}

func testIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	a, b := newMeta(time.Minute), newMeta(time.Minute)
	mustCreate(t, s, a)
	mustCreate(t, s, b)

	if _, err := s.End(context.Background(), a.SessionID, sessions.StateTerminated, base.Add(time.Second)); err != nil {
		t.Fatalf("end: %v", err)
	}
	got, err := s.Load(context.Background(), b.SessionID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want, got := sessions.StateActive, got.State; want != got {
		t.Fatalf("expected untouched session to stay %s, got %s", want, got)
	}
}
