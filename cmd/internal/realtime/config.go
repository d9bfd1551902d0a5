package realtime

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Subprotocol is the only websocket subprotocol the expiry stream speaks.
const Subprotocol = "astral.session.v1"

const (
	defaultPushInterval     = 15 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultHeartbeatEvery   = 25 * time.Second
	defaultHeartbeatTimeout = 5 * time.Second

	maxPingFailures = 3

	defaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Config holds expiry stream settings.
type Config struct {
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	AllowedOrigins []string

	PushInterval     time.Duration
	WriteTimeout     time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
}

// DefaultConfig only admits localhost origins.
func DefaultConfig() Config {
	return Config{
		OriginRequired:   true,
		AllowedOrigins:   splitCSV(defaultAllowedOrigins),
		PushInterval:     defaultPushInterval,
		WriteTimeout:     defaultWriteTimeout,
		HeartbeatEvery:   defaultHeartbeatEvery,
		HeartbeatTimeout: defaultHeartbeatTimeout,
	}
}

// LoadConfigFromEnv overlays ASTRAL_WS_* variables onto DefaultConfig.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("ASTRAL_WS_ORIGIN_REQUIRED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, errors.New("realtime: ASTRAL_WS_ORIGIN_REQUIRED must be a boolean")
		}
		cfg.OriginRequired = b
	}
	if v, ok := os.LookupEnv("ASTRAL_WS_ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitCSV(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ASTRAL_WS_PUSH_INTERVAL", &cfg.PushInterval},
		{"ASTRAL_WS_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"ASTRAL_WS_HEARTBEAT_INTERVAL", &cfg.HeartbeatEvery},
		{"ASTRAL_WS_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			return Config{}, errors.New("realtime: " + d.key + " must be a positive duration")
		}
		*d.dst = parsed
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.PushInterval <= 0 {
		c.PushInterval = defaultPushInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = defaultHeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	return c
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
