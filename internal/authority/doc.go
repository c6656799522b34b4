// Package authority is the network service terminals trust.
//
// It holds the key-diversification master secret, runs the verifier side
// of the three-pass tag authentication, issues time-bounded sessions and
// recent-auth tokens, and records uploaded machine usage. Terminals talk
// to it over the HTTP API; issued and force-closed sessions are pushed
// to all terminals over MQTT.
//
// In-progress authentications live in an in-memory record registry with
// a short TTL; everything durable (tokens, sessions, usage, audit trail)
// is SQLite.
package authority
