package auth

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized reports missing, malformed, expired or otherwise
	// unacceptable credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInsufficientScope reports a valid token that lacks a required scope.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// UserInfo is an authenticated principal. Implementations must be safe for
// concurrent use.
type UserInfo interface {
	// UserID returns the principal's stable identifier, usually the token
	// subject.
	UserID() string
	// Claims decodes the token claims into ref.
	Claims(ref any) error
}

// Authenticator verifies a bearer token. Failures wrap ErrUnauthorized or
// ErrInsufficientScope; any other error is treated as a server fault.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type userKey struct{}

// WithUser returns a context carrying u.
func WithUser(ctx context.Context, u UserInfo) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the principal stored by the middleware, if any.
func UserFromContext(ctx context.Context) (UserInfo, bool) {
	u, ok := ctx.Value(userKey{}).(UserInfo)
	return u, ok && u != nil
}
