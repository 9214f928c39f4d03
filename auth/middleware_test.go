package auth_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-streaming-http-go/auth"
	"github.com/ggoodman/mcp-streaming-http-go/auth/authtest"
)

type failingAuth struct{}

func (failingAuth) CheckAuthentication(context.Context, string) (auth.UserInfo, error) {
	return nil, errors.New("jwks unavailable")
}

type scopedAuth struct{ *authtest.StaticTokens }

func (scopedAuth) RequiredScopes() []string { return []string{"mcp:read", "mcp:write"} }

func TestMiddleware(t *testing.T) {
	static := authtest.NewStaticTokens("good", "user-1")
	static.Tokens["limited"] = "user-2"
	static.Unscoped = map[string]bool{"limited": true}

	var gotUser string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := auth.UserFromContext(r.Context())
		if !ok {
			t.Errorf("expected user in context")
			return
		}
		gotUser = u.UserID()
		w.WriteHeader(http.StatusNoContent)
	})

	quiet := auth.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		name       string
		authn      auth.Authenticator
		header     string
		wantStatus int
		wantChall  string
	}{
		{"missing", static, "", http.StatusUnauthorized, `Bearer realm="mcp", resource_metadata="https://mcp.example/.well-known/oauth-protected-resource"`},
		{"wrong scheme", static, "Basic abc", http.StatusBadRequest, `error="invalid_request"`},
		{"empty token", static, "Bearer    ", http.StatusBadRequest, `error="invalid_request"`},
		{"invalid token", static, "Bearer nope", http.StatusUnauthorized, `error="invalid_token"`},
		{"insufficient scope", scopedAuth{static}, "Bearer limited", http.StatusForbidden, `scope="mcp:read mcp:write"`},
		{"backend error", failingAuth{}, "Bearer good", http.StatusInternalServerError, ""},
		{"ok", static, "Bearer good", http.StatusNoContent, ""},
		{"scheme is case insensitive", static, "bearer good", http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser = ""
			mw := auth.NewMiddleware(tt.authn,
				auth.WithRealm("mcp"),
				auth.WithResourceMetadata("https://mcp.example/.well-known/oauth-protected-resource"),
				quiet,
			)
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			mw.Wrap(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			chall := rec.Header().Get("WWW-Authenticate")
			if tt.wantChall != "" && !strings.Contains(chall, tt.wantChall) {
				t.Fatalf("expected challenge containing %q, got %q", tt.wantChall, chall)
			}
			if tt.wantStatus == http.StatusNoContent && gotUser != "user-1" {
				t.Fatalf("expected user-1, got %q", gotUser)
			}
		})
	}
}

func TestMiddleware_ChallengeEscaping(t *testing.T) {
	mw := auth.NewMiddleware(authtest.NewStaticTokens("good", ""), auth.WithRealm(`a "quoted" realm`), auth.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	rec := httptest.NewRecorder()
	mw.Wrap(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	want := `Bearer realm="a \"quoted\" realm"`
	if got := rec.Header().Get("WWW-Authenticate"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
