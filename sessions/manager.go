package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MetricsSink allows optional instrumentation without hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// IdleTimeout is the sliding inactivity window after which a session
	// expires. Zero selects the default of 30 minutes; a negative value
	// disables inactivity expiry.
	IdleTimeout time.Duration
	Metrics     MetricsSink
	Logger      *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// applyDefaults populates zero values with conservative defaults.
func (c *ManagerConfig) applyDefaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Manager owns session lifecycle. It is safe for concurrent use; all state
// lives in the Store.
type Manager struct {
	store Store
	cfg   ManagerConfig
}

// NewManager constructs a Manager over store.
func NewManager(store Store, cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	return &Manager{store: store, cfg: cfg}
}

// IdleTimeout returns the effective inactivity timeout (zero when disabled).
func (m *Manager) IdleTimeout() time.Duration { return m.cfg.IdleTimeout }

// Create issues a new Active session. Ids are random (version 4) UUIDs drawn
// from crypto/rand.
func (m *Manager) Create(ctx context.Context) (*Metadata, error) {
	now := m.now()
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("sessions: generate id: %w", err)
	}
	meta := &Metadata{
		SessionID:  id.String(),
		CreatedAt:  now,
		LastSeenAt: now,
		TTL:        m.cfg.IdleTimeout,
		State:      StateActive,
	}
	if err := m.store.Create(ctx, meta); err != nil {
		m.cfg.Logger.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("sessions: create: %w", err)
	}
	m.recordMetric("sessions_created_total", nil)
	m.cfg.Logger.InfoContext(ctx, "session.create.ok", slog.String("session_id", meta.SessionID))
	return meta, nil
}

// Validate reports the current state of sessionID without recording
// activity. An Active session found idle past its timeout is expired as a
// side effect, so the answer never flips back to Active afterwards.
func (m *Manager) Validate(ctx context.Context, sessionID string) (State, error) {
	meta, err := m.store.Load(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return StateUnknown, nil
	}
	if err != nil {
		return StateUnknown, err
	}
	if meta.State == StateActive && meta.IdleAt(m.now()) {
		meta, err = m.expire(ctx, sessionID)
		if err != nil {
			return StateUnknown, err
		}
	}
	return meta.State, nil
}

// Touch records activity on sessionID and returns its metadata. It fails with
// ErrSessionNotFound, ErrSessionExpired or ErrSessionTerminated when the
// session is not Active.
func (m *Manager) Touch(ctx context.Context, sessionID string) (*Metadata, error) {
	now := m.now()
	meta, err := m.store.Touch(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}
	if meta.State == StateExpired && meta.EndedAt.Equal(now) {
		// Expired by this touch.
		m.recordMetric("sessions_expired_total", nil)
	}
	if err := errForState(meta.State); err != nil {
		m.cfg.Logger.DebugContext(ctx, "session.touch.reject",
			slog.String("session_id", sessionID),
			slog.String("state", meta.State.String()),
		)
		return meta, err
	}
	return meta, nil
}

// Terminate ends sessionID explicitly. Terminating an unknown session returns
// ErrSessionNotFound; terminating an already-ended session is a no-op.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	meta, err := m.store.End(ctx, sessionID, StateTerminated, m.now())
	if err != nil {
		return err
	}
	if meta.State == StateTerminated {
		m.recordMetric("sessions_terminated_total", nil)
	}
	m.cfg.Logger.InfoContext(ctx, "session.terminate.ok",
		slog.String("session_id", sessionID),
		slog.String("state", meta.State.String()),
	)
	return nil
}

func (m *Manager) expire(ctx context.Context, sessionID string) (*Metadata, error) {
	meta, err := m.store.End(ctx, sessionID, StateExpired, m.now())
	if err != nil {
		return nil, err
	}
	m.recordMetric("sessions_expired_total", nil)
	m.cfg.Logger.InfoContext(ctx, "session.expire.ok", slog.String("session_id", sessionID))
	return meta, nil
}

// now is truncated to milliseconds, the resolution every Store can keep.
func (m *Manager) now() time.Time {
	return m.cfg.Now().UTC().Truncate(time.Millisecond)
}

func (m *Manager) recordMetric(name string, tags map[string]string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.IncCounter(name, tags)
	}
}
