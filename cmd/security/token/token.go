package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the token lookup-hash secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "ASTRAL_TOKEN_HMAC_KEY"

	// FingerprintSaltEnvKey is the env var name for the device fingerprint salt.
	FingerprintSaltEnvKey = "ASTRAL_DEVICE_FINGERPRINT_SALT"

	// MinTokenBytes and MaxTokenBytes bound the entropy of generated tokens.
	MinTokenBytes = 32
	MaxTokenBytes = 64
)

// Generate returns nBytes of crypto/rand entropy encoded as unpadded base64url.
func Generate(nBytes int) (string, error) {
	if nBytes < MinTokenBytes || nBytes > MaxTokenBytes {
		return "", ErrTokenSize
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Equal compares two strings in constant time. Empty strings never match.
func Equal(a, b string) bool {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// KeyFromEnv returns the trimmed bytes of env var name, enforcing a minimum length.
// If the env var is missing/blank -> ErrKeyMissing.
// If too short -> ErrKeyTooShort.
func KeyFromEnv(name string, minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, ErrKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrKeyTooShort
	}
	return b, nil
}

// Hasher derives storage lookup keys for tokens and device fingerprints.
type Hasher struct {
	lookupKey []byte
	salt      []byte
}

// NewHasher returns a Hasher. The lookup key must be at least 32 bytes and the
// fingerprint salt at least 16.
func NewHasher(lookupKey, fingerprintSalt []byte) (*Hasher, error) {
	if len(lookupKey) == 0 || len(fingerprintSalt) == 0 {
		return nil, ErrKeyMissing
	}
	if len(lookupKey) < 32 || len(fingerprintSalt) < 16 {
		return nil, ErrKeyTooShort
	}
	return &Hasher{
		lookupKey: append([]byte(nil), lookupKey...),
		salt:      append([]byte(nil), fingerprintSalt...),
	}, nil
}

// Lookup returns the lookup hash for a session or refresh token.
func (h *Hasher) Lookup(token string) string {
	return HashHMACSHA256Hex(token, h.lookupKey)
}

// Fingerprint returns the salted hash of a device fingerprint, or "" when
// fingerprint is blank.
func (h *Hasher) Fingerprint(fingerprint string) string {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return ""
	}
	return HashHMACSHA256Hex(fingerprint, h.salt)
}
