// ABOUTME: Package documentation for the HTTP API surface
// ABOUTME: Route table, auth model, and error envelope

// Package httpapi exposes the control plane over HTTP with JSON bodies.
//
// # Routes
//
//	POST /agent/register                              operator JWT
//	POST /agent/commands/enqueue                      operator JWT
//	GET/POST /agent/commands/wait                     agent bearer token
//	POST /agent/commands/ack                          agent bearer token
//	POST /agent/commands/report                       agent bearer token
//	GET  /agent/{hash}/capabilities                   public
//	GET  /agent/deployments/{hash}                    operator JWT
//	GET  /agent/commands/{hash}                       operator JWT
//	POST /agent/commands/{hash}/{command_id}/cancel   operator JWT
//	GET  /agent/audit                                 operator JWT
//	GET  /health, /health/ready                       public
//
// Agents authenticate with X-Agent-Id (deployment hash) plus Authorization:
// Bearer <token>; operators with Authorization: Bearer <JWT>.
//
// # Errors
//
// Every error response carries a stable envelope:
//
//	{"error": {"code": "unknown_deployment", "message": "..."}}
//
// Codes: already_registered, unknown_deployment, unauthorized, forbidden,
// invalid_status, not_found, secret_store_unavailable, persistence_error,
// bad_request.
package httpapi
