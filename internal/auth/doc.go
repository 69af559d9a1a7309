// ABOUTME: Package documentation for the authentication layer
// ABOUTME: Covers agent bearer tokens, operator JWTs, and HTTP middleware

// Package auth implements the two authentication surfaces of the control
// plane.
//
// Agents authenticate with a bearer token issued exactly once at
// registration. The plaintext token lives only in the secret store; the
// database never sees it. AgentVerifier checks presented tokens against the
// secret store copy with constant-time comparison, caching successful
// verifications for a short TTL so long-poll traffic does not hammer the
// secret backend.
//
// Operators authenticate with HS256-signed JWTs carrying the caller identity
// in the "sub" claim.
//
// Both surfaces expose net/http middleware that places the verified identity
// on the request context via WithAgent and WithCaller.
package auth
