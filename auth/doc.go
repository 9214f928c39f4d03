// Package auth provides the bearer authentication seam in front of the
// streaming HTTP transport.
//
// An Authenticator validates an incoming bearer token string and returns a
// UserInfo (or an error). Middleware extracts the token from the
// Authorization header, maps sentinel errors to RFC 6750 challenges and
// stores the principal on the request context for downstream handlers.
//
//	authn, err := jwtauth.New(ctx, jwtauth.Config{
//	    Issuer:    "https://issuer.example",
//	    Audiences: []string{"https://mcp.example/mcp"},
//	})
//	if err != nil { log.Fatal(err) }
//	h = auth.NewMiddleware(authn, auth.WithRealm("mcp")).Wrap(h)
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.) and yields 401 invalid_token. ErrInsufficientScope signals successful
// authentication but missing required scope(s) and yields 403
// insufficient_scope. A request without credentials gets a bare Bearer
// challenge.
package auth
