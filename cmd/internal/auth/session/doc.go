// Package session implements Astral's session lifecycle core.
//
// A Manager issues opaque session and refresh tokens, validates them on every
// request, rotates them on refresh, and terminates sessions on logout,
// eviction or expiry. Each role has a concurrency limit; creating a session
// beyond it evicts the caller's least recently active session.
//
// Tokens are never stored in plaintext. The store keeps an HMAC lookup hash
// for indexed retrieval and the token sealed by security/codec under a key
// bound to the owning user.
//
// A Monitor records per-request activity, flags unusually high request rates,
// and runs two periodic sweeps: idle demotion and expiry termination.
//
// Every operation takes an explicit now so expiry is evaluated against the
// caller's clock, never a hidden global one.
package session
