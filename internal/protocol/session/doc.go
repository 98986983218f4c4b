// Package session owns reader-link channel reliability helpers.
//
// Ownership boundary:
// - timeouts, heartbeat and reconnect backoff defaults
// - transport security policy and tls.Config builders
// - pending request correlation by (session id, request tag)
package session
