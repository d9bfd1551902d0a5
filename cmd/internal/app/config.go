package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool

	// RedisURL enables the shared activity-rate window. Empty keeps the
	// count in the session store.
	RedisURL string

	AuditBuffer       int
	AuditKafkaBrokers []string
	AuditKafkaTopic   string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("ASTRAL_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("ASTRAL_LOG_LEVEL", "info"),
		LogFormat: EnvString("ASTRAL_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("ASTRAL_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("ASTRAL_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("ASTRAL_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("ASTRAL_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("ASTRAL_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("ASTRAL_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL:   EnvString("ASTRAL_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("ASTRAL_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("ASTRAL_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("ASTRAL_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("ASTRAL_READINESS_REQUIRE_DB", false),

		RedisURL: EnvString("ASTRAL_REDIS_URL", ""),

		AuditBuffer:       EnvInt("ASTRAL_AUDIT_BUFFER", 1024),
		AuditKafkaBrokers: EnvList("ASTRAL_AUDIT_KAFKA_BROKERS"),
		AuditKafkaTopic:   EnvString("ASTRAL_AUDIT_KAFKA_TOPIC", "astral.audit"),

		CORSAllowedOrigins:   EnvList("ASTRAL_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("ASTRAL_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("ASTRAL_CORS_MAX_AGE_SECONDS", 600),
	}
}
