// Package jwtauth verifies JWT bearer tokens against an issuer's JWKS. Keys
// are fetched from a configured JWKS URL or learned through OpenID Connect
// discovery, and refreshed in the background.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/mcp-streaming-http-go/auth"
)

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string `mapstructure:"issuer" yaml:"issuer" json:"issuer,omitempty" validate:"omitempty,url"`
	// Audiences contains the primary audience (index 0) followed by any
	// additional accepted audiences. A token must name at least one of them.
	Audiences []string `mapstructure:"audiences" yaml:"audiences" json:"audiences,omitempty"`
	// JWKSURL skips discovery when set.
	JWKSURL        string        `mapstructure:"jwks_url" yaml:"jwks_url" json:"jwks_url,omitempty" validate:"omitempty,url"`
	RequiredScopes []string      `mapstructure:"required_scopes" yaml:"required_scopes" json:"required_scopes,omitempty"`
	ScopeModeAny   bool          `mapstructure:"scope_mode_any" yaml:"scope_mode_any" json:"scope_mode_any,omitempty"` // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs    []string      `mapstructure:"allowed_algs" yaml:"allowed_algs" json:"allowed_algs,omitempty"`
	Leeway         time.Duration `mapstructure:"leeway" yaml:"leeway" json:"leeway,omitempty"`
	// RequireAccessTokenType enforces the RFC 9068 "at+jwt" typ header.
	RequireAccessTokenType bool `mapstructure:"require_at_jwt" yaml:"require_at_jwt" json:"require_at_jwt,omitempty"`
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() Config {
	return Config{
		AllowedAlgs:            []string{"RS256"},
		Leeway:                 60 * time.Second,
		RequireAccessTokenType: true,
	}
}

// Enabled reports whether the config names an issuer to verify against.
func (c Config) Enabled() bool { return c.Issuer != "" }

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates bearer tokens. It implements auth.Authenticator and
// reports failures wrapping auth.ErrUnauthorized or auth.ErrInsufficientScope.
type Authenticator struct {
	cfg     Config
	iss     string
	keyfunc jwt.Keyfunc
}

var _ auth.Authenticator = (*Authenticator)(nil)

// New constructs an Authenticator. When cfg.JWKSURL is empty the issuer's
// discovery document supplies it. The JWKS refresh goroutine stops when ctx
// is done.
func New(ctx context.Context, cfg Config) (*Authenticator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.Audiences) == 0 {
		return nil, errors.New("at least one expected audience required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	iss := cfg.Issuer
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		meta, err := discover(ctx, cfg.Issuer)
		if err != nil {
			return nil, err
		}
		iss, jwksURL = meta.Issuer, meta.JwksURI
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return NewWithKeyfunc(cfg, iss, kf.Keyfunc), nil
}

// NewWithKeyfunc constructs an Authenticator over a caller supplied key
// source, with iss as the expected issuer claim.
func NewWithKeyfunc(cfg Config, iss string, kf jwt.Keyfunc) *Authenticator {
	allowed := append([]string(nil), cfg.AllowedAlgs...)
	return &Authenticator{
		cfg: cfg,
		iss: iss,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(allowed, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf(t)
		},
	}
}

type discoveryMetadata struct {
	Issuer        string   `json:"issuer"`
	JwksURI       string   `json:"jwks_uri"`
	Authorization string   `json:"authorization_endpoint"`
	Token         string   `json:"token_endpoint"`
	ResponseTypes []string `json:"response_types_supported"`
}

func discover(ctx context.Context, issuer string) (*discoveryMetadata, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta discoveryMetadata
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	missing := []string{}
	if meta.JwksURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if meta.Authorization == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if meta.Token == "" {
		missing = append(missing, "token_endpoint")
	}
	if len(meta.ResponseTypes) == 0 {
		missing = append(missing, "response_types_supported")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("discovery incomplete: missing %s", strings.Join(missing, ", "))
	}
	return &meta, nil
}

// CheckAuthentication verifies tok and returns its subject and claims.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.iss),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", auth.ErrUnauthorized, err)
	}

	// Header checks (RFC 9068 typ)
	if a.cfg.RequireAccessTokenType {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", auth.ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if !audIntersects(claims["aud"], a.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", auth.ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(time.Now().Add(a.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", auth.ErrUnauthorized)
		}
	}
	if err := a.checkScopes(claims); err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", auth.ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func (a *Authenticator) checkScopes(claims jwt.MapClaims) error {
	if len(a.cfg.RequiredScopes) == 0 {
		return nil
	}
	scopeStr, _ := claims["scope"].(string)
	have := strings.Fields(scopeStr)
	if a.cfg.ScopeModeAny {
		for _, want := range a.cfg.RequiredScopes {
			if slices.Contains(have, want) {
				return nil
			}
		}
		return fmt.Errorf("%w: want any of %s", auth.ErrInsufficientScope, strings.Join(a.cfg.RequiredScopes, " "))
	}
	for _, want := range a.cfg.RequiredScopes {
		if !slices.Contains(have, want) {
			return fmt.Errorf("%w: missing %s", auth.ErrInsufficientScope, want)
		}
	}
	return nil
}

// RequiredScopes returns the scopes a token must carry, for challenges.
func (a *Authenticator) RequiredScopes() []string {
	return append([]string(nil), a.cfg.RequiredScopes...)
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
