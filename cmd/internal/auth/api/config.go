package authapi

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"astral/cmd/internal/auth/guard"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	LoginIPMax    int
	LoginIPWindow time.Duration

	Cookies guard.CookieConfig
}

// LoadConfigFromEnv loads auth config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:    envBool("ASTRAL_TRUST_PROXY", false),
		MaxBodyBytes:  envInt64("ASTRAL_AUTH_MAX_BODY_BYTES", 1<<20), // 1 MiB
		LoginIPMax:    envInt("ASTRAL_AUTH_LOGIN_IP_MAX", 20),
		LoginIPWindow: envDuration("ASTRAL_AUTH_LOGIN_IP_WINDOW", 5*time.Minute),
		Cookies: guard.CookieConfig{
			SessionName: envString("ASTRAL_SESSION_COOKIE_NAME", guard.DefaultSessionCookie),
			RefreshName: envString("ASTRAL_REFRESH_COOKIE_NAME", guard.DefaultRefreshCookie),
			RefreshPath: guard.DefaultRefreshPath,
			Domain:      strings.TrimSpace(os.Getenv("ASTRAL_COOKIE_DOMAIN")),
			Insecure:    !envBool("ASTRAL_COOKIE_SECURE", true),
			SameSite:    parseSameSite(os.Getenv("ASTRAL_COOKIE_SAMESITE")),
		},
	}

	if cfg.Cookies.RefreshName == cfg.Cookies.SessionName {
		cfg.Cookies.RefreshName = guard.DefaultRefreshCookie
		if cfg.Cookies.SessionName == guard.DefaultRefreshCookie {
			cfg.Cookies.SessionName = guard.DefaultSessionCookie
		}
	}
	// Browsers drop SameSite=None cookies that are not Secure.
	if cfg.Cookies.SameSite == http.SameSiteNoneMode {
		cfg.Cookies.Insecure = false
	}

	return cfg
}

// parseSameSite defaults to Strict; session credentials never ride
// cross-site requests unless configured to.
func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteStrictMode
	}
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
