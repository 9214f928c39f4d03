package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streaming-http-go/eventlog"
	"github.com/ggoodman/mcp-streaming-http-go/eventlog/eventlogtest"
	"github.com/ggoodman/mcp-streaming-http-go/eventlog/sqlite"
)

func TestSQLiteLog(t *testing.T) {
	eventlogtest.RunLogTests(t, func(t *testing.T, r eventlog.Retention, now func() time.Time) eventlog.Log {
		l, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "events.db"),
			sqlite.WithRetention(r),
			sqlite.WithClock(now),
		)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = l.Close() })
		return l
	})
}

func TestSQLiteLogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	key := eventlog.Key{SessionID: "s", StreamID: "a"}

	l, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append(context.Background(), key, []byte(`{}`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l, err = sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()

	events, err := l.Replay(context.Background(), key, 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if want, got := 2, len(events); want != got {
		t.Fatalf("expected %d events, got %d", want, got)
	}
	ev, err := l.Append(context.Background(), key, []byte(`{}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if want, got := uint64(4), ev.ID; want != got {
		t.Fatalf("expected id %d after reopen, got %d", want, got)
	}
}
