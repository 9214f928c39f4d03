package security_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-streaming-http-go/security"
)

func TestValidateOrigin(t *testing.T) {
	v := security.NewValidator(security.Policy{AllowedOrigins: []string{
		"https://app.example.com",
		"https://*.tenant.example.com",
		"http://localhost",
	}})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"HTTPS://APP.EXAMPLE.COM", true},
		{"https://app.example.com:443", true},
		{"https://app.example.com:8443", false},
		{"http://app.example.com", false},
		{"https://a.tenant.example.com", true},
		{"https://tenant.example.com", false},
		{"https://evil.com", false},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:5173", false},
		{"null", false},
		{"https://app.example.com/path", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, v.ValidateOrigin(tt.origin))
		})
	}
}

func TestPolicyVariants(t *testing.T) {
	t.Run("reject missing origin", func(t *testing.T) {
		v := security.NewValidator(security.Policy{RejectMissingOrigin: true})
		assert.False(t, v.ValidateOrigin(""))
	})

	t.Run("wildcard", func(t *testing.T) {
		v := security.NewValidator(security.Policy{AllowedOrigins: []string{"*"}})
		assert.True(t, v.ValidateOrigin("https://anything.test"))
	})

	t.Run("default policy is loopback only", func(t *testing.T) {
		v := security.NewValidator(security.DefaultPolicy())
		assert.True(t, v.ValidateOrigin("http://127.0.0.1:3000"))
		assert.True(t, v.ValidateOrigin("http://[::1]:3000"))
		assert.False(t, v.ValidateOrigin("http://attacker.test"))
	})

	t.Run("set policy swaps atomically", func(t *testing.T) {
		v := security.NewValidator(security.Policy{})
		assert.False(t, v.ValidateOrigin("https://app.example.com"))
		v.SetPolicy(security.Policy{AllowedOrigins: []string{"https://app.example.com"}})
		assert.True(t, v.ValidateOrigin("https://app.example.com"))
	})
}

func TestMiddleware(t *testing.T) {
	v := security.NewValidator(security.Policy{AllowedOrigins: []string{"https://app.example.com"}})
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("rejected origin gets 403 without json-rpc body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set("Origin", "https://evil.com")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.NotContains(t, rr.Body.String(), "jsonrpc")
	})

	t.Run("allowed origin passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})
}

func TestRequireSession(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, err := security.RequireSession(http.Header{})
		require.ErrorIs(t, err, security.ErrSessionHeaderMissing)
	})

	t.Run("blank", func(t *testing.T) {
		h := http.Header{}
		h.Set(security.SessionHeader, "  ")
		_, err := security.RequireSession(h)
		require.ErrorIs(t, err, security.ErrSessionHeaderMissing)
	})

	t.Run("repeated", func(t *testing.T) {
		h := http.Header{}
		h.Add(security.SessionHeader, "a")
		h.Add(security.SessionHeader, "b")
		_, err := security.RequireSession(h)
		require.ErrorIs(t, err, security.ErrSessionHeaderInvalid)
	})

	t.Run("non printable", func(t *testing.T) {
		h := http.Header{}
		h.Set(security.SessionHeader, "a b")
		_, err := security.RequireSession(h)
		require.ErrorIs(t, err, security.ErrSessionHeaderInvalid)
	})

	t.Run("present", func(t *testing.T) {
		h := http.Header{}
		h.Set(security.SessionHeader, "0b6a1c3e-7f7e-4b55-9a57-6d1d4f1c9a10")
		id, err := security.RequireSession(h)
		require.NoError(t, err)
		assert.Equal(t, "0b6a1c3e-7f7e-4b55-9a57-6d1d4f1c9a10", id)
	})
}
