package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
)

// OTELConfig holds OpenTelemetry exporter settings
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all application configuration
type Config struct {
	// Server
	Port            string
	ShutdownTimeout time.Duration

	// Security
	AllowedOrigins []string
	JWTSecret      string
	AllowAnonymous bool // accept ?user= without a token (development only)

	// Storage
	DBPath       string
	StoreTimeout time.Duration
	StoreRetries int

	// Rate Limiting
	RateLimitAPI    rate.Limit
	RateLimitWS     rate.Limit
	RateLimitEvents rate.Limit

	// Logging
	LogLevel  string
	LogPretty bool

	// WebSocket
	MaxMessageSize int
	MaxTextLength  int
	TypingTimeout  time.Duration

	// Observability
	OTEL OTELConfig
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Port:            "8080",
		ShutdownTimeout: domain.ShutdownGracePeriod,
		AllowedOrigins:  []string{"http://localhost:8080", "http://localhost:5173"},
		DBPath:          "relay.db",
		StoreTimeout:    domain.StoreTimeout,
		StoreRetries:    domain.StoreRetries,
		RateLimitAPI:    domain.DefaultRateLimitAPI,
		RateLimitWS:     domain.DefaultRateLimitWS,
		RateLimitEvents: domain.DefaultRateLimitEvents,
		LogLevel:        "info", // Options: debug, info, warn, error, silent
		MaxMessageSize:  domain.MaxMessageSize,
		MaxTextLength:   domain.MaxTextLength,
		TypingTimeout:   domain.TypingTimeout,
		OTEL: OTELConfig{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "goat-relay",
			SampleRatio: 1.0,
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	// Server
	cfg.Port = getenv("PORT", cfg.Port)
	cfg.ShutdownTimeout = getdur("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	// Security
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	cfg.JWTSecret = getenv("JWT_SECRET", "")
	cfg.AllowAnonymous = getbool("ALLOW_ANONYMOUS", false)

	// Storage
	cfg.DBPath = getenv("DB_PATH", cfg.DBPath)
	cfg.StoreTimeout = getdur("STORE_TIMEOUT", cfg.StoreTimeout)
	cfg.StoreRetries = getint("STORE_RETRIES", cfg.StoreRetries)

	// Rate Limiting
	cfg.RateLimitAPI = getlimit("RATE_LIMIT_API", cfg.RateLimitAPI)
	cfg.RateLimitWS = getlimit("RATE_LIMIT_WS", cfg.RateLimitWS)
	cfg.RateLimitEvents = getlimit("RATE_LIMIT_EVENTS", cfg.RateLimitEvents)

	// Logging
	cfg.LogLevel = strings.ToLower(getenv("LOG_LEVEL", cfg.LogLevel))
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	cfg.LogPretty = getbool("LOG_PRETTY", false)

	// WebSocket
	cfg.MaxMessageSize = getint("MAX_MESSAGE_SIZE", cfg.MaxMessageSize)
	cfg.MaxTextLength = getint("MAX_TEXT_LENGTH", cfg.MaxTextLength)
	cfg.TypingTimeout = getdur("TYPING_TIMEOUT", cfg.TypingTimeout)

	// Observability
	cfg.OTEL.Enabled = getbool("OTEL_ENABLED", false)
	cfg.OTEL.Endpoint = getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTEL.Endpoint)
	cfg.OTEL.Insecure = getbool("OTEL_EXPORTER_OTLP_INSECURE", cfg.OTEL.Insecure)
	cfg.OTEL.ServiceName = getenv("OTEL_SERVICE_NAME", cfg.OTEL.ServiceName)
	cfg.OTEL.SampleRatio = getfloat("OTEL_TRACES_SAMPLER_ARG", cfg.OTEL.SampleRatio)

	return cfg
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error", "silent", "off":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, silent")
	}
	if strings.TrimSpace(c.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if c.JWTSecret == "" && !c.AllowAnonymous {
		return errors.New("JWT_SECRET is required unless ALLOW_ANONYMOUS=true")
	}
	if c.StoreTimeout <= 0 || c.TypingTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if c.StoreRetries < 1 {
		return errors.New("STORE_RETRIES must be >= 1")
	}
	if c.MaxMessageSize <= 0 || c.MaxTextLength <= 0 {
		return errors.New("MAX_MESSAGE_SIZE and MAX_TEXT_LENGTH must be > 0")
	}
	if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// IsOriginAllowed checks if the origin is in the allowed list
func (c *Config) IsOriginAllowed(origin string) bool {
	// Empty origin is allowed (same-origin and non-browser clients)
	if origin == "" {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || origin == allowed {
			return true
		}
	}
	return false
}

// parseOrigins parses comma-separated origins
func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getlimit(k string, def rate.Limit) rate.Limit {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return rate.Limit(f)
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
