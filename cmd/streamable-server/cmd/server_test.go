package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-streaming-http-go/internal/config"
)

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamable.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	cfg, err := config.Load(config.NewViper(path))
	require.NoError(t, err)
	return cfg
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept", slog.String("k", "v"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "v", rec["k"])

	_, err = newLogger(config.LogConfig{Level: "loud", Format: "text"}, io.Discard)
	assert.Error(t, err)
}

// startServer runs serve on a loopback listener and returns its base URL and
// a function that stops it and reports serve's result.
func startServer(t *testing.T, cfg *config.Config) (string, func() error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), ln)
	}()

	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("serve did not return after cancellation")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return "http://" + ln.Addr().String(), stop
}

func post(t *testing.T, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func TestServe(t *testing.T) {
	cfg := loadConfig(t, `
server:
  response_mode: json
  shutdown_timeout: 2s
engine:
  keep_alive: 0s
security:
  allowed_origins: ["https://app.example.com"]
`)
	base, stop := startServer(t, cfg)

	t.Run("healthz", func(t *testing.T) {
		res, err := http.Get(base + "/healthz")
		require.NoError(t, err)
		defer res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode)
	})

	t.Run("initialize then echo", func(t *testing.T) {
		res := post(t, base+"/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
		require.Equal(t, http.StatusOK, res.StatusCode)
		sid := res.Header.Get("Mcp-Session-Id")
		require.NotEmpty(t, sid)

		var init struct {
			Result struct {
				ServerInfo struct {
					Name string `json:"name"`
				} `json:"serverInfo"`
			} `json:"result"`
		}
		require.NoError(t, json.NewDecoder(res.Body).Decode(&init))
		assert.Equal(t, "streamable-server", init.Result.ServerInfo.Name)

		res = post(t, base+"/mcp", `{"jsonrpc":"2.0","id":2,"method":"echo","params":{"message":"hi"}}`, map[string]string{"Mcp-Session-Id": sid})
		require.Equal(t, http.StatusOK, res.StatusCode)
		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":2,"result":{"message":"hi"}}`, string(body))
	})

	t.Run("foreign origin", func(t *testing.T) {
		res := post(t, base+"/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, map[string]string{"Origin": "https://evil.example"})
		assert.Equal(t, http.StatusForbidden, res.StatusCode)
		assert.NotContains(t, res.Header.Get("Content-Type"), "application/json")
	})

	t.Run("metrics", func(t *testing.T) {
		res, err := http.Get(base + "/metrics")
		require.NoError(t, err)
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "streamable_http_requests_total")
		assert.Contains(t, string(body), "go_goroutines")
	})

	require.NoError(t, stop())
}

func TestServeSQLiteEventLog(t *testing.T) {
	cfg := loadConfig(t, `
server:
  shutdown_timeout: 2s
event_log:
  backend: sqlite
  sqlite_path: `+filepath.Join(t.TempDir(), "events.db")+`
`)
	base, stop := startServer(t, cfg)

	req, err := http.NewRequest(http.MethodPost, base+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "id: ")
	assert.Contains(t, string(body), `"serverInfo"`)

	require.NoError(t, stop())
}

func TestNewServerRejectsUnreachableRedis(t *testing.T) {
	cfg := loadConfig(t, `
sessions:
  backend: redis
  redis:
    addr: 127.0.0.1:1
`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := newServer(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session store")
}

func TestCommands(t *testing.T) {
	run := func(t *testing.T, args ...string) (string, error) {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(io.Discard)
		rootCmd.SetArgs(args)
		t.Cleanup(func() {
			rootCmd.SetOut(nil)
			rootCmd.SetArgs(nil)
		})
		err := rootCmd.Execute()
		return out.String(), err
	}

	t.Run("version", func(t *testing.T) {
		out, err := run(t, "version")
		require.NoError(t, err)
		assert.Contains(t, out, "streamable-server "+Version)
	})

	t.Run("config schema", func(t *testing.T) {
		out, err := run(t, "config", "schema")
		require.NoError(t, err)
		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &doc))
		assert.Contains(t, doc, "properties")
	})

	t.Run("config check", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ok.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: 127.0.0.1:9999\n"), 0o600))
		out, err := run(t, "config", "check", path)
		require.NoError(t, err)
		assert.Contains(t, out, "ok")

		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("server:\n  adr: nope\n"), 0o600))
		_, err = run(t, "config", "check", bad)
		assert.Error(t, err)
	})
}
