package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// MigrateOnStart applies embedded schema migrations at boot.
	MigrateOnStart bool

	// TokenSecret signs access tokens. Must be at least 32 bytes in production;
	// when empty a throwaway secret is generated and sessions die with the process.
	TokenSecret string
	AccessTTL   time.Duration

	InviteTTL time.Duration

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("VISAGE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("VISAGE_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("VISAGE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("VISAGE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("VISAGE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("VISAGE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("VISAGE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("VISAGE_DATABASE_URL", ""),
		DBSchema:    EnvString("VISAGE_DB_SCHEMA", "visage"),
		DBMaxConns:  EnvInt32("VISAGE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("VISAGE_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("VISAGE_READINESS_REQUIRE_DB", false),
		MigrateOnStart:     EnvBool("VISAGE_DB_MIGRATE", true),

		TokenSecret: EnvString("VISAGE_TOKEN_SECRET", ""),
		AccessTTL:   EnvDuration("VISAGE_TOKEN_TTL", 24*time.Hour),

		InviteTTL: EnvDuration("VISAGE_INVITE_TTL", 7*24*time.Hour),

		MetricsEnabled: EnvBool("VISAGE_METRICS_ENABLED", true),
	}
}
