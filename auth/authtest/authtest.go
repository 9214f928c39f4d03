// Package authtest provides authenticators for tests and local development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-streaming-http-go/auth"
)

// StaticTokens authenticates a fixed set of tokens. Tokens map to user ids.
// A token listed in Unscoped authenticates but fails the scope check.
type StaticTokens struct {
	Tokens   map[string]string
	Unscoped map[string]bool
}

var _ auth.Authenticator = (*StaticTokens)(nil)

// NewStaticTokens creates a StaticTokens with a single token.
func NewStaticTokens(token, userID string) *StaticTokens {
	if userID == "" {
		userID = "test-user"
	}
	return &StaticTokens{Tokens: map[string]string{token: userID}}
}

// CheckAuthentication accepts tokens present in Tokens.
func (s *StaticTokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	userID, ok := s.Tokens[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	if s.Unscoped[tok] {
		return nil, fmt.Errorf("%w: token carries no scopes", auth.ErrInsufficientScope)
	}
	return &staticUserInfo{userID: userID}, nil
}

type staticUserInfo struct {
	userID string
}

func (u *staticUserInfo) UserID() string { return u.userID }

func (u *staticUserInfo) Claims(ref any) error {
	b, err := json.Marshal(map[string]any{"sub": u.userID})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
