package config

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Profile string
	Addr    string

	// session store
	StoreDriver   string // postgres | sqlite | mongo
	PostgresDSN   string
	SQLitePath    string
	MongoURI      string
	MongoDatabase string

	// tokens
	JWTIssuer        string
	JWTAudience      string
	AccessSecret     string
	RefreshSecret    string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	BcryptCost       int

	// session lifecycle
	MaxConcurrentSessions   int
	SessionIdleTimeout      time.Duration
	RefreshAdvisoryWindow   time.Duration
	RefreshLookupAttempts   int
	RefreshLookupRetryDelay time.Duration
	InvalidatedRetention    time.Duration
	SuspiciousRetention     time.Duration

	// monitoring
	CleanupInterval time.Duration
	ScanInterval    time.Duration
	AlertBufferSize int

	// http
	CORSOrigins      []string
	APIRateLimitRPM  int
	AuthRateLimitRPM int
	RedisAddr        string
	CookieDomain     string
	CookieSecure     bool

	// observability
	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracesEnabled         bool
	OTELLogsEnabled           bool
	OTELMetricsExportInterval time.Duration

	ShutdownTimeout          time.Duration
	ShutdownHTTPDrainTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Profile: getString("APP_PROFILE", "dev"),
		Addr:    getString("HTTP_ADDR", ":8080"),

		StoreDriver:   getString("STORE_DRIVER", "sqlite"),
		PostgresDSN:   getString("POSTGRES_DSN", ""),
		SQLitePath:    getString("SQLITE_PATH", "sessiongate.db"),
		MongoURI:      getString("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getString("MONGO_DATABASE", "sessiongate"),

		JWTIssuer:       getString("JWT_ISSUER", "sessiongate"),
		JWTAudience:     getString("JWT_AUDIENCE", "sessiongate-clients"),
		AccessSecret:    getString("JWT_ACCESS_SECRET", ""),
		RefreshSecret:   getString("JWT_REFRESH_SECRET", ""),
		AccessTokenTTL:  getDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		BcryptCost:      getInt("BCRYPT_COST", 12),

		MaxConcurrentSessions:   getInt("MAX_CONCURRENT_SESSIONS", 5),
		SessionIdleTimeout:      getDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		RefreshAdvisoryWindow:   getDuration("REFRESH_ADVISORY_WINDOW", 5*time.Minute),
		RefreshLookupAttempts:   getInt("REFRESH_LOOKUP_ATTEMPTS", 3),
		RefreshLookupRetryDelay: getDuration("REFRESH_LOOKUP_RETRY_DELAY", 100*time.Millisecond),
		InvalidatedRetention:    getDuration("INVALIDATED_RETENTION", 30*24*time.Hour),
		SuspiciousRetention:     getDuration("SUSPICIOUS_RETENTION", 7*24*time.Hour),

		CleanupInterval: getDuration("CLEANUP_INTERVAL", time.Hour),
		ScanInterval:    getDuration("SCAN_INTERVAL", 5*time.Minute),
		AlertBufferSize: getInt("ALERT_BUFFER_SIZE", 100),

		CORSOrigins:      getStrings("CORS_ORIGINS", []string{"http://localhost:3000"}),
		APIRateLimitRPM:  getInt("API_RATE_LIMIT_RPM", 300),
		AuthRateLimitRPM: getInt("AUTH_RATE_LIMIT_RPM", 20),
		RedisAddr:        getString("REDIS_ADDR", ""),
		CookieDomain:     getString("COOKIE_DOMAIN", ""),
		CookieSecure:     getBool("COOKIE_SECURE", false),

		OTELServiceName:           getString("OTEL_SERVICE_NAME", "sessiongate"),
		OTELEnvironment:           getString("OTEL_ENVIRONMENT", "dev"),
		OTELExporterOTLPEndpoint:  getString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELExporterOTLPInsecure:  getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELMetricsEnabled:        getBool("OTEL_METRICS_ENABLED", false),
		OTELTracesEnabled:         getBool("OTEL_TRACES_ENABLED", false),
		OTELLogsEnabled:           getBool("OTEL_LOGS_ENABLED", false),
		OTELMetricsExportInterval: getDuration("OTEL_METRICS_EXPORT_INTERVAL", 30*time.Second),

		ShutdownTimeout:          getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		ShutdownHTTPDrainTimeout: getDuration("SHUTDOWN_HTTP_DRAIN_TIMEOUT", 5*time.Second),
	}
	if err := cfg.Validate(); err != nil {
		recordConfigValidationEvent(context.Background(), cfg.Profile, "failure", classifyConfigLoadError(err))
		return nil, err
	}
	recordConfigValidationEvent(context.Background(), cfg.Profile, "success", "none")
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres", "sqlite", "mongo":
	default:
		return fmt.Errorf("validate config: unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if c.StoreDriver == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("validate config: POSTGRES_DSN is required for the postgres driver")
	}
	if len(c.AccessSecret) < 32 || len(c.RefreshSecret) < 32 {
		return fmt.Errorf("validate config: JWT secrets must be at least 32 bytes")
	}
	if c.AccessSecret == c.RefreshSecret {
		return fmt.Errorf("validate config: access and refresh secrets must differ")
	}
	if c.MaxConcurrentSessions < 1 || c.MaxConcurrentSessions > 10 {
		return fmt.Errorf("validate config: MAX_CONCURRENT_SESSIONS must be within [1,10]")
	}
	if c.RefreshLookupAttempts < 1 {
		return fmt.Errorf("validate config: REFRESH_LOOKUP_ATTEMPTS must be at least 1")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("validate config: refresh TTL must exceed access TTL")
	}
	if c.CleanupInterval <= 0 || c.ScanInterval <= 0 {
		return fmt.Errorf("validate config: monitoring intervals must be positive")
	}
	if c.AlertBufferSize < 1 {
		return fmt.Errorf("validate config: ALERT_BUFFER_SIZE must be at least 1")
	}
	return nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Already-set variables win; a missing file is not an error.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open env file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	return nil
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getStrings(key string, fallback []string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}
