// Package sessions issues, validates, and expires the session identifiers
// that bind a sequence of HTTP requests into one logical client conversation.
//
// A session moves through a small state machine:
//
//	(created) -> Active -> Expired     (inactivity timeout)
//	                    -> Terminated  (explicit close)
//
// Expired and Terminated are terminal. Stores must apply transitions
// atomically so that a session observed as Expired is never revived by a
// racing Touch.
//
// Implementations
//
//	memorystore : in-process store for tests and single-node deployments
//	redisstore  : Redis hash per session, transitions applied by Lua scripts
//
// The storetest package holds the conformance suite every Store must pass.
package sessions
