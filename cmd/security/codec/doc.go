// Package codec seals short secrets (session and refresh tokens) for storage at rest.
//
// Every secret is encrypted with ChaCha20-Poly1305 under a key derived from a
// process-wide master key and the id of the identity that owns the secret.
// The owner id is also bound as associated data, so a sealed value copied onto
// another user's record fails to open.
//
// Nonces are always generated here. Callers cannot supply one.
package codec
