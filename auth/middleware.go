package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// ScopeHinter is implemented by authenticators that can name the scopes a
// client should request. They are echoed in insufficient_scope challenges.
type ScopeHinter interface {
	RequiredScopes() []string
}

// Middleware guards an http.Handler with bearer authentication.
type Middleware struct {
	authn            Authenticator
	realm            string
	resourceMetadata string
	log              *slog.Logger
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithRealm sets the realm advertised in challenges.
func WithRealm(realm string) MiddlewareOption {
	return func(m *Middleware) { m.realm = realm }
}

// WithResourceMetadata advertises the protected resource metadata document
// URL in challenges.
func WithResourceMetadata(url string) MiddlewareOption {
	return func(m *Middleware) { m.resourceMetadata = url }
}

// WithLogger sets the logger used for authentication outcomes.
func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(m *Middleware) { m.log = l }
}

// NewMiddleware constructs a Middleware around authn.
func NewMiddleware(authn Authenticator, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{authn: authn, log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap returns next guarded by the middleware. Authenticated requests reach
// next with the principal available through UserFromContext.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		authHeader := r.Header.Get(authorizationHeader)

		if authHeader == "" {
			// RFC 6750 §3.1: If the request lacks any authentication information the
			// resource server SHOULD NOT include an error code. Provide only a bare
			// Bearer challenge with realm.
			m.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
			m.challenge(w, http.StatusUnauthorized, nil)
			return
		}

		// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 §3.1.
		const bearerPrefix = "bearer "
		if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
			m.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
			m.challenge(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"})
			return
		}
		tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
		if tok == "" {
			m.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
			m.challenge(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"})
			return
		}

		userInfo, err := m.authn.CheckAuthentication(ctx, tok)
		switch {
		case err == nil:
		case errors.Is(err, ErrInsufficientScope):
			// Auth succeeded but insufficient privileges -> 403 insufficient_scope
			m.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			params := map[string]string{"error": "insufficient_scope", "error_description": err.Error()}
			if h, ok := m.authn.(ScopeHinter); ok {
				if scopes := h.RequiredScopes(); len(scopes) > 0 {
					params["scope"] = strings.Join(scopes, " ")
				}
			}
			m.challenge(w, http.StatusForbidden, params)
			return
		case errors.Is(err, ErrUnauthorized):
			m.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			m.challenge(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token", "error_description": err.Error()})
			return
		default:
			m.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
			writeError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}

		m.log.DebugContext(ctx, "auth.check.ok", slog.String("user_id", userInfo.UserID()))
		next.ServeHTTP(w, r.WithContext(WithUser(ctx, userInfo)))
	})
}

func (m *Middleware) challenge(w http.ResponseWriter, status int, params map[string]string) {
	w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(m.realm, m.resourceMetadata, params))
	writeError(w, status, http.StatusText(status))
}

// writeError matches the transport's minimal non JSON-RPC rejection body.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	// Preserve a logical ordering: error, error_description, scope, others alphabetical.
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	var rest []string
	for k := range params {
		if k != "error" && k != "error_description" && k != "scope" {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	for _, k := range rest {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(params[k])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
