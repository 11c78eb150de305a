package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewEnergyConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Scheduler SchedulerConfig
	Admin     AdminConfig
	Push      MetricsPushConfig

	EnergyConfigPaths []string
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Enabled reports whether a shared redis is configured. Without one every
// instance falls back to in-process state.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type CacheConfig struct {
	FallbackSize     int
	FallbackCooldown time.Duration
}

type RateLimitConfig struct {
	Enabled          bool
	Salt             string
	FailClosedScopes []string
	Telemetry        bool
}

type SchedulerConfig struct {
	Enabled            bool
	RunInterval        time.Duration
	TelemetryRetention time.Duration
	ExceededRetention  time.Duration
	LockTTL            time.Duration
	EnabledJobs        []string
}

type AdminConfig struct {
	APIKey        string
	SupportAPIKey string
}

// MetricsPushConfig configures pushing /metrics to a collector for
// deployments that are not scraped.
type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "energyguard"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:     strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:           getenvInt("REDIS_DB", 0),
			DialTimeout:  getenvDuration("REDIS_DIAL_TIMEOUT", 500*time.Millisecond),
			ReadTimeout:  getenvDuration("REDIS_READ_TIMEOUT", 250*time.Millisecond),
			WriteTimeout: getenvDuration("REDIS_WRITE_TIMEOUT", 250*time.Millisecond),
		},
		Cache: CacheConfig{
			FallbackSize:     getenvInt("CACHE_FALLBACK_SIZE", 10_000),
			FallbackCooldown: getenvDuration("CACHE_FALLBACK_COOLDOWN", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:          getenvBool("RATE_LIMIT_ENABLED", true),
			Salt:             getenv("RATE_LIMIT_SALT", ""),
			FailClosedScopes: parseList(getenv("RATE_LIMIT_FAIL_CLOSED_SCOPES", "")),
			Telemetry:        getenvBool("RATE_LIMIT_TELEMETRY", true),
		},
		Scheduler: SchedulerConfig{
			Enabled:            getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:        getenvDuration("SCHEDULER_RUN_INTERVAL", 10*time.Minute),
			TelemetryRetention: getenvDuration("RATE_LIMIT_TELEMETRY_RETENTION", 24*time.Hour),
			ExceededRetention:  getenvDuration("RATE_LIMIT_EXCEEDED_RETENTION", 30*24*time.Hour),
			LockTTL:            getenvDuration("SCHEDULER_LOCK_TTL", 5*time.Minute),
			EnabledJobs:        parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},
		Admin: AdminConfig{
			APIKey:        strings.TrimSpace(getenv("ADMIN_API_KEY", "")),
			SupportAPIKey: strings.TrimSpace(getenv("SUPPORT_API_KEY", "")),
		},
		Push: MetricsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			Interval:  getenvDuration("METRICS_PUSH_INTERVAL", time.Minute),
		},
		EnergyConfigPaths: parseList(getenv("ENERGY_CONFIG_PATHS", "/etc/energyguard,.")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
