package session

import (
	"os"
	"strconv"
	"strings"
	"time"

	"astral/cmd/security/token"
)

// Config defines all runtime configuration for the session subsystem.
//
// Every value is a process-start constant. Timeouts are data evaluated
// against each session's timestamps; there are no per-session timers.
type Config struct {
	// IdleTimeout is how long a session survives without validation.
	IdleTimeout time.Duration

	// AbsoluteTimeout caps a session's lifetime from creation, regardless of activity.
	AbsoluteTimeout time.Duration

	// WarningWindow is how close to expiry a session must be before callers are warned.
	WarningWindow time.Duration

	// RefreshCookieTTL is the lifetime of the refresh cookie.
	RefreshCookieTTL time.Duration

	// TokenBytes is the entropy of each generated session and refresh token.
	TokenBytes int

	// SuspiciousActivityThreshold is the request count within ActivityWindow
	// above which a HIGH_ACTIVITY_RATE event is emitted.
	SuspiciousActivityThreshold int
	ActivityWindow              time.Duration

	// SweepInterval is the period of both background sweeps.
	SweepInterval time.Duration

	// SweepBatchSize bounds how many sessions one sweep pass loads at a time.
	SweepBatchSize int

	// Limits is the per-role concurrency policy.
	Limits map[Role]int

	// RejectOnIPChange makes Validate refuse a request whose origin differs
	// from the session's. The default only audits it.
	RejectOnIPChange bool

	// MasterKey is the base64-encoded 32-byte codec master key.
	MasterKey string

	// LookupKey is the HMAC key used for token lookup hashes.
	LookupKey []byte

	// FingerprintSalt salts device fingerprint hashes.
	FingerprintSalt []byte
}

// DefaultLimits returns the default per-role concurrency policy.
func DefaultLimits() map[Role]int {
	return map[Role]int{
		RoleUser:            3,
		RoleHelper:          3,
		RoleTherapist:       2,
		RoleCrisisCounselor: 2,
		RoleAdmin:           1,
		RoleSuperAdmin:      1,
	}
}

// DefaultConfig returns a secure default configuration without key material.
//
// Production environments should override values via environment variables.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:                 15 * time.Minute,
		AbsoluteTimeout:             8 * time.Hour,
		WarningWindow:               5 * time.Minute,
		RefreshCookieTTL:            7 * 24 * time.Hour,
		TokenBytes:                  32,
		SuspiciousActivityThreshold: 100,
		ActivityWindow:              time.Minute,
		SweepInterval:               time.Minute,
		SweepBatchSize:              500,
		Limits:                      DefaultLimits(),
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - ASTRAL_SESSION_MASTER_KEY (base64, 32 bytes)
//   - ASTRAL_TOKEN_HMAC_KEY (>= 32 bytes)
//   - ASTRAL_DEVICE_FINGERPRINT_SALT (>= 16 bytes)
//
// Optional (durations must be valid Go duration strings):
//   - ASTRAL_SESSION_IDLE_TIMEOUT
//   - ASTRAL_SESSION_ABSOLUTE_TIMEOUT
//   - ASTRAL_SESSION_WARNING_WINDOW
//   - ASTRAL_SESSION_REFRESH_TTL
//   - ASTRAL_SESSION_TOKEN_BYTES
//   - ASTRAL_SESSION_ACTIVITY_THRESHOLD
//   - ASTRAL_SESSION_ACTIVITY_WINDOW
//   - ASTRAL_SESSION_SWEEP_INTERVAL
//   - ASTRAL_SESSION_SWEEP_BATCH
//   - ASTRAL_SESSION_LIMIT_<ROLE> (e.g. ASTRAL_SESSION_LIMIT_THERAPIST)
//   - ASTRAL_SESSION_REJECT_ON_IP_CHANGE
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ASTRAL_SESSION_IDLE_TIMEOUT", &cfg.IdleTimeout},
		{"ASTRAL_SESSION_ABSOLUTE_TIMEOUT", &cfg.AbsoluteTimeout},
		{"ASTRAL_SESSION_WARNING_WINDOW", &cfg.WarningWindow},
		{"ASTRAL_SESSION_REFRESH_TTL", &cfg.RefreshCookieTTL},
		{"ASTRAL_SESSION_ACTIVITY_WINDOW", &cfg.ActivityWindow},
		{"ASTRAL_SESSION_SWEEP_INTERVAL", &cfg.SweepInterval},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"ASTRAL_SESSION_TOKEN_BYTES", &cfg.TokenBytes},
		{"ASTRAL_SESSION_ACTIVITY_THRESHOLD", &cfg.SuspiciousActivityThreshold},
		{"ASTRAL_SESSION_SWEEP_BATCH", &cfg.SweepBatchSize},
	}
	for _, n := range ints {
		v := strings.TrimSpace(os.Getenv(n.key))
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return Config{}, ErrConfig
		}
		*n.dst = parsed
	}

	for _, r := range Roles {
		v := strings.TrimSpace(os.Getenv("ASTRAL_SESSION_LIMIT_" + strings.ToUpper(string(r))))
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return Config{}, ErrConfig
		}
		cfg.Limits[r] = parsed
	}

	if v := strings.TrimSpace(os.Getenv("ASTRAL_SESSION_REJECT_ON_IP_CHANGE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.RejectOnIPChange = b
	}

	cfg.MasterKey = strings.TrimSpace(os.Getenv("ASTRAL_SESSION_MASTER_KEY"))

	lookup, err := token.KeyFromEnv(token.HMACEnvKey, 32)
	if err != nil {
		return Config{}, ErrConfig
	}
	cfg.LookupKey = lookup

	salt, err := token.KeyFromEnv(token.FingerprintSaltEnvKey, 16)
	if err != nil {
		return Config{}, ErrConfig
	}
	cfg.FingerprintSalt = salt

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants. It does not check key material
// beyond presence; NewManager does that when it builds the codec.
func (c Config) Validate() error {
	if c.IdleTimeout <= 0 || c.AbsoluteTimeout <= 0 || c.WarningWindow < 0 {
		return ErrConfig
	}
	// Invariants: idle must not exceed absolute.
	if c.IdleTimeout > c.AbsoluteTimeout {
		return ErrConfig
	}
	if c.TokenBytes < token.MinTokenBytes || c.TokenBytes > token.MaxTokenBytes {
		return ErrConfig
	}
	if c.SuspiciousActivityThreshold <= 0 || c.ActivityWindow <= 0 {
		return ErrConfig
	}
	if c.SweepInterval <= 0 || c.SweepBatchSize <= 0 {
		return ErrConfig
	}
	for _, r := range Roles {
		if c.Limits[r] <= 0 {
			return ErrConfig
		}
	}
	if c.MasterKey == "" || len(c.LookupKey) == 0 || len(c.FingerprintSalt) == 0 {
		return ErrConfig
	}
	return nil
}

// Limit returns the concurrency limit for r.
func (c Config) Limit(r Role) int {
	return c.Limits[r]
}
