// Package token provides opaque token primitives for Astral sessions.
//
// It is the single source of truth for how session and refresh tokens are
// generated and how their lookup keys are derived.
//
// Lookup keys are HMAC-SHA256(token, key) rendered as 64-char hex, so the
// store can find a session by an indexed column without ever holding the
// token itself. Device fingerprints are hashed the same way under a separate
// salt.
//
// Environment:
//   - ASTRAL_TOKEN_HMAC_KEY: lookup-hash key (>= 32 bytes)
//   - ASTRAL_DEVICE_FINGERPRINT_SALT: fingerprint salt (>= 16 bytes)
package token
