package app

import (
	"errors"
	"os"

	"astral/cmd/security/codec"
	"astral/cmd/security/token"
)

const masterKeyEnv = "ASTRAL_SESSION_MASTER_KEY"

// ValidateSecurityConfig checks the key material before anything else
// starts. A missing or weak key is fatal; there is no fallback.
func ValidateSecurityConfig() error {
	if _, err := codec.NewFromBase64(os.Getenv(masterKeyEnv)); err != nil {
		return errors.New("security policy: " + masterKeyEnv + " must be 32 bytes, base64 encoded")
	}
	if err := checkKey(token.HMACEnvKey, 32); err != nil {
		return err
	}
	return checkKey(token.FingerprintSaltEnvKey, 16)
}

// checkKey measures bytes, not runes, because keys are used as raw bytes.
func checkKey(name string, minBytes int) error {
	_, err := token.KeyFromEnv(name, minBytes)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, token.ErrKeyMissing):
		return errors.New("security policy: " + name + " is missing")
	case errors.Is(err, token.ErrKeyTooShort):
		return errors.New("security policy: " + name + " is too short")
	default:
		return err
	}
}
