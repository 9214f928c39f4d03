// Package security holds the checks that run before any JSON-RPC processing:
// the Origin allow-list that defends against DNS rebinding and the session
// header requirement. Rejections carry an HTTP status only, never a JSON-RPC
// body.
package security

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
)

var (
	// ErrOriginNotAllowed is reported for a request whose Origin is not on
	// the allow-list. It maps to 403.
	ErrOriginNotAllowed = errors.New("security: origin not allowed")
	// ErrSessionHeaderMissing is returned by RequireSession when the request
	// carries no session id. It maps to 400.
	ErrSessionHeaderMissing = errors.New("security: session header missing")
	// ErrSessionHeaderInvalid is returned by RequireSession for a repeated or
	// non-printable session id. It maps to 400.
	ErrSessionHeaderInvalid = errors.New("security: session header invalid")
)

// SessionHeader carries the session id on every request after the
// initialization handshake.
const SessionHeader = "Mcp-Session-Id"

// Policy is the Origin policy.
type Policy struct {
	// AllowedOrigins lists origins as scheme://host[:port]. A leading "*."
	// in the host matches any subdomain and "*" alone matches every origin.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" json:"allowed_origins"`
	// RejectMissingOrigin refuses requests without an Origin header. Non
	// browser clients usually omit it, so it is allowed by default.
	RejectMissingOrigin bool `yaml:"reject_missing_origin" mapstructure:"reject_missing_origin" json:"reject_missing_origin"`
}

// DefaultPolicy allows loopback origins only.
func DefaultPolicy() Policy {
	return Policy{AllowedOrigins: []string{
		"http://localhost",
		"http://127.0.0.1",
		"http://[::1]",
	}}
}

type compiled struct {
	any           bool
	exact         map[string]struct{}
	suffixes      []wildcard
	rejectMissing bool
}

type wildcard struct {
	scheme string
	suffix string
	port   string
}

func compile(p Policy) *compiled {
	c := &compiled{exact: make(map[string]struct{}), rejectMissing: p.RejectMissingOrigin}
	for _, o := range p.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			c.any = true
			continue
		}
		scheme, host, port, ok := splitOrigin(o)
		if !ok {
			continue
		}
		if rest, found := strings.CutPrefix(host, "*."); found {
			c.suffixes = append(c.suffixes, wildcard{scheme: scheme, suffix: "." + rest, port: port})
			continue
		}
		c.exact[joinOrigin(scheme, host, port)] = struct{}{}
	}
	return c
}

// splitOrigin normalizes an origin into lower-case scheme and host plus an
// explicit port, dropping the scheme's default port.
func splitOrigin(origin string) (scheme, host, port string, ok bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", "", false
	}
	scheme = strings.ToLower(u.Scheme)
	host = strings.ToLower(u.Hostname())
	port = u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	return scheme, host, port, true
}

func joinOrigin(scheme, host, port string) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port == "" {
		return scheme + "://" + host
	}
	return scheme + "://" + host + ":" + port
}

func (c *compiled) allows(origin string) bool {
	if origin == "" {
		return !c.rejectMissing
	}
	if c.any {
		return true
	}
	scheme, host, port, ok := splitOrigin(origin)
	if !ok {
		return false
	}
	if _, ok := c.exact[joinOrigin(scheme, host, port)]; ok {
		return true
	}
	// Loopback entries without a port cover every port.
	if port != "" {
		if _, ok := c.exact[joinOrigin(scheme, host, "")]; ok && isLoopback(host) {
			return true
		}
	}
	for _, w := range c.suffixes {
		if w.scheme == scheme && w.port == port && strings.HasSuffix(host, w.suffix) {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// Validator applies a Policy. The policy may be swapped at runtime.
type Validator struct {
	policy atomic.Pointer[compiled]
	log    *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger used to report rejections.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.log = l
		}
	}
}

// NewValidator creates a Validator enforcing p.
func NewValidator(p Policy, opts ...Option) *Validator {
	v := &Validator{log: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	v.SetPolicy(p)
	return v
}

// SetPolicy replaces the enforced policy.
func (v *Validator) SetPolicy(p Policy) {
	v.policy.Store(compile(p))
}

// ValidateOrigin reports whether a request carrying this Origin header value
// may proceed. An empty value means the header was absent.
func (v *Validator) ValidateOrigin(origin string) bool {
	return v.policy.Load().allows(origin)
}

// Middleware rejects requests with a disallowed Origin with 403 before they
// reach next.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !v.ValidateOrigin(origin) {
			v.log.WarnContext(r.Context(), "security.origin.reject", slog.String("origin", origin), slog.String("remote_addr", r.RemoteAddr))
			http.Error(w, "Forbidden: origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSession extracts the session id from h.
func RequireSession(h http.Header) (string, error) {
	values := h.Values(SessionHeader)
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "", ErrSessionHeaderMissing
	}
	if len(values) > 1 {
		return "", ErrSessionHeaderInvalid
	}
	id := values[0]
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return "", ErrSessionHeaderInvalid
		}
	}
	return id, nil
}
