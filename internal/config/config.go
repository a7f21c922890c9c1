package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
	"github.com/BradenHooton/propguard/internal/services"
	pkghttp "github.com/BradenHooton/propguard/pkg/http"
	"github.com/joho/godotenv"
)

type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Redis      RedisConfig
	Email      EmailConfig
	RateLimit  RateLimitConfig
	Lockout    LockoutConfig
	Session    SessionConfig
	Audit      AuditConfig
	Background BackgroundConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TrustedProxies []string
	AdminAPIKey    string
}

// RedisConfig configures the audit stream. An empty URL disables it.
type RedisConfig struct {
	URL               string
	AuditStream       string
	AuditStreamMaxLen int64
}

type EmailConfig struct {
	Enabled    bool
	AWSRegion  string
	From       string
	Recipients []string
}

type RateLimitConfig struct {
	Login       models.RateLimitRule
	API         models.RateLimitRule
	Export      models.RateLimitRule
	IPPerMinute int // coarse httprate guard in front of auth routes
}

// Rules returns every configured limiter rule.
func (c RateLimitConfig) Rules() []models.RateLimitRule {
	return []models.RateLimitRule{c.Login, c.API, c.Export}
}

type LockoutConfig struct {
	MaxAttempts       int
	AttemptWindow     time.Duration
	Durations         []time.Duration
	TrackByIP         bool
	StuffingThreshold int
}

// Service converts to the lockout service configuration.
func (c LockoutConfig) Service() services.LockoutConfig {
	return services.LockoutConfig{
		MaxAttempts:       c.MaxAttempts,
		AttemptWindow:     c.AttemptWindow,
		LockoutDurations:  c.Durations,
		TrackByIP:         c.TrackByIP,
		StuffingThreshold: c.StuffingThreshold,
	}
}

type SessionConfig struct {
	MaxConcurrent   int
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
	DeviceBinding   models.DeviceBindingPolicy
	MaxIPChanges    int
}

// Service converts to the session service configuration.
func (c SessionConfig) Service() services.SessionConfig {
	return services.SessionConfig{
		MaxConcurrentSessions: c.MaxConcurrent,
		IdleTimeout:           c.IdleTimeout,
		AbsoluteTimeout:       c.AbsoluteTimeout,
		DeviceBinding:         c.DeviceBinding,
		MaxIPChanges:          c.MaxIPChanges,
	}
}

type AuditConfig struct {
	MaxEntries    int
	RetentionDays int
	SinkBuffer    int
}

// Service converts to the ledger configuration.
func (c AuditConfig) Service() services.AuditConfig {
	return services.AuditConfig{
		MaxEntries: c.MaxEntries,
		Retention:  time.Duration(c.RetentionDays) * 24 * time.Hour,
	}
}

type BackgroundConfig struct {
	SweepInterval time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	adminKey := getEnv("ADMIN_API_KEY", "")
	if adminKey == "" {
		return nil, fmt.Errorf("ADMIN_API_KEY is required")
	}

	env := getEnv("ENV", "development")

	lockoutDurations, err := getEnvAsDurations("LOCKOUT_DURATIONS",
		[]time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour, 4 * time.Hour, 24 * time.Hour})
	if err != nil {
		return nil, err
	}

	deviceBinding, err := models.ParseDeviceBindingPolicy(getEnv("SESSION_DEVICE_BINDING", string(models.DeviceBindingLog)))
	if err != nil {
		return nil, fmt.Errorf("SESSION_DEVICE_BINDING: %w", err)
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "propguard"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),
			AdminAPIKey:    adminKey,
		},
		Redis: RedisConfig{
			URL:               getEnv("REDIS_URL", ""),
			AuditStream:       getEnv("REDIS_AUDIT_STREAM", "propguard:audit"),
			AuditStreamMaxLen: int64(getEnvAsInt("REDIS_AUDIT_STREAM_MAXLEN", 100000)),
		},
		Email: EmailConfig{
			Enabled:    getEnvAsBool("EMAIL_ENABLED", false),
			AWSRegion:  getEnv("AWS_REGION", "us-east-1"),
			From:       getEnv("EMAIL_FROM", ""),
			Recipients: getEnvAsList("SECURITY_ALERT_RECIPIENTS"),
		},
		RateLimit: RateLimitConfig{
			Login: models.RateLimitRule{
				Name:              models.RuleLogin,
				Window:            getEnvAsDuration("RATE_LOGIN_WINDOW", 15*time.Minute),
				MaxRequests:       getEnvAsInt("RATE_LOGIN_MAX", 10),
				BurstLimit:        getEnvAsInt("RATE_LOGIN_BURST", 0),
				PenaltyMultiplier: getEnvAsFloat("RATE_LOGIN_PENALTY_MULTIPLIER", 2),
			},
			API: models.RateLimitRule{
				Name:        models.RuleAPI,
				Window:      getEnvAsDuration("RATE_API_WINDOW", time.Minute),
				MaxRequests: getEnvAsInt("RATE_API_MAX", 120),
				BurstLimit:  getEnvAsInt("RATE_API_BURST", 30),
			},
			Export: models.RateLimitRule{
				Name:              models.RuleExport,
				Window:            getEnvAsDuration("RATE_EXPORT_WINDOW", time.Hour),
				MaxRequests:       getEnvAsInt("RATE_EXPORT_MAX", 20),
				CostPerRequest:    getEnvAsInt("RATE_EXPORT_COST", 5),
				PenaltyMultiplier: getEnvAsFloat("RATE_EXPORT_PENALTY_MULTIPLIER", 3),
			},
			IPPerMinute: getEnvAsInt("RATE_IP_PER_MINUTE", 60),
		},
		Lockout: LockoutConfig{
			MaxAttempts:       getEnvAsInt("LOCKOUT_MAX_ATTEMPTS", 5),
			AttemptWindow:     getEnvAsDuration("LOCKOUT_ATTEMPT_WINDOW", 15*time.Minute),
			Durations:         lockoutDurations,
			TrackByIP:         getEnvAsBool("LOCKOUT_TRACK_BY_IP", true),
			StuffingThreshold: getEnvAsInt("LOCKOUT_STUFFING_THRESHOLD", 10),
		},
		Session: SessionConfig{
			MaxConcurrent:   getEnvAsInt("SESSION_MAX_CONCURRENT", 5),
			IdleTimeout:     getEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			AbsoluteTimeout: getEnvAsDuration("SESSION_ABSOLUTE_TIMEOUT", 24*time.Hour),
			DeviceBinding:   deviceBinding,
			MaxIPChanges:    getEnvAsInt("SESSION_MAX_IP_CHANGES", 5),
		},
		Audit: AuditConfig{
			MaxEntries:    getEnvAsInt("AUDIT_MAX_ENTRIES", 100000),
			RetentionDays: getEnvAsInt("AUDIT_RETENTION_DAYS", 90),
			SinkBuffer:    getEnvAsInt("AUDIT_SINK_BUFFER", 1024),
		},
		Background: BackgroundConfig{
			SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateAdminKey(adminKey, env); err != nil {
		return nil, err
	}

	for _, rule := range cfg.RateLimit.Rules() {
		if err := services.ValidateRule(rule); err != nil {
			return nil, err
		}
	}

	if _, err := pkghttp.NewIPConfig(cfg.Server.TrustedProxies); err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}

	if cfg.Email.Enabled && cfg.Email.From == "" {
		return nil, fmt.Errorf("EMAIL_FROM is required when EMAIL_ENABLED is true")
	}

	if cfg.Audit.MaxEntries < 0 || cfg.Audit.RetentionDays < 0 {
		return nil, fmt.Errorf("audit retention limits must not be negative")
	}

	return cfg, nil
}

// validateAdminKey enforces minimum security standards for the admin API key
func validateAdminKey(key, env string) error {
	// Minimum length based on environment
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger key (256 bits)
	}

	if len(key) < minLength {
		return fmt.Errorf("ADMIN_API_KEY must be at least %d characters in %s environment (got %d)",
			minLength, env, len(key))
	}

	// Check against common weak keys
	weakKeys := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	keyLower := strings.ToLower(key)
	for _, weak := range weakKeys {
		if strings.Repeat(weak, len(keyLower)/len(weak)) == keyLower {
			return fmt.Errorf("ADMIN_API_KEY cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

// getEnvAsDurations parses a comma separated duration list. Unlike the
// scalar getters a malformed value is an error.
func getEnvAsDurations(key string, defaultVal []time.Duration) ([]time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal, nil
	}
	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s: durations must be positive", key)
		}
		out = append(out, d)
	}
	return out, nil
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return []string{}
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
