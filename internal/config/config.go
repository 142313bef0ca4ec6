package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the realtime relay.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	OpenAIAPIKey         string
	RealtimeURL          string
	RealtimeModel        string
	UpstreamDialTimeout  time.Duration
	UpstreamDialAttempts int

	APIToken           string
	RequireSocketToken bool
	ServerTools        bool

	EventLogTTL           time.Duration
	EventLogMaxPerSession int
	ConfigRetention       time.Duration
	TokenDefaultTTL       time.Duration

	RedisURL    string
	DatabaseURL string
}

func defaults() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		MetricsNamespace:         "rtrelay",
		AllowedOrigins:           []string{"http://localhost:3000", "http://localhost:5173"},
		LogLevel:                 "info",
		LogFormat:                "console",
		RealtimeURL:              "wss://api.openai.com/v1/realtime",
		RealtimeModel:            "gpt-4o-realtime-preview-2024-12-17",
		UpstreamDialTimeout:      10 * time.Second,
		UpstreamDialAttempts:     3,
		ServerTools:              true,
		EventLogTTL:              time.Hour,
		EventLogMaxPerSession:    1000,
		ConfigRetention:          time.Hour,
		TokenDefaultTTL:          600 * time.Second,
	}
}

// Load reads RELAY_CONFIG_FILE (if set) and then environment variables.
func Load() (Config, error) {
	return LoadWithFile(stringsTrimSpace("RELAY_CONFIG_FILE"))
}

// LoadWithFile layers defaults, the optional TOML or YAML file at path, and
// environment variables, in that order, then validates the result.
func LoadWithFile(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.RealtimeURL = envOrDefault("OPENAI_REALTIME_URL", cfg.RealtimeURL)
	cfg.RealtimeModel = envOrDefault("OPENAI_REALTIME_MODEL", cfg.RealtimeModel)
	cfg.APIToken = envOrDefault("API_TOKEN", cfg.APIToken)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	if origins := stringsTrimSpace("APP_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamDialTimeout, err = durationFromEnv("UPSTREAM_DIAL_TIMEOUT", cfg.UpstreamDialTimeout); err != nil {
		return Config{}, err
	}
	if cfg.EventLogTTL, err = durationFromEnv("EVENT_LOG_TTL", cfg.EventLogTTL); err != nil {
		return Config{}, err
	}
	if cfg.ConfigRetention, err = durationFromEnv("CONFIG_RETENTION", cfg.ConfigRetention); err != nil {
		return Config{}, err
	}
	if cfg.TokenDefaultTTL, err = durationFromEnv("TOKEN_DEFAULT_TTL", cfg.TokenDefaultTTL); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamDialAttempts, err = intFromEnv("UPSTREAM_DIAL_ATTEMPTS", cfg.UpstreamDialAttempts); err != nil {
		return Config{}, err
	}
	if cfg.EventLogMaxPerSession, err = intFromEnv("EVENT_LOG_MAX_PER_SESSION", cfg.EventLogMaxPerSession); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.RequireSocketToken, err = boolFromEnv("RELAY_REQUIRE_SOCKET_TOKEN", cfg.RequireSocketToken); err != nil {
		return Config{}, err
	}
	if cfg.ServerTools, err = boolFromEnv("RELAY_SERVER_TOOLS", cfg.ServerTools); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.APIToken == "" {
		return fmt.Errorf("API_TOKEN is required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if !strings.HasPrefix(c.RealtimeURL, "ws://") && !strings.HasPrefix(c.RealtimeURL, "wss://") {
		return fmt.Errorf("OPENAI_REALTIME_URL must be a ws:// or wss:// url")
	}
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.UpstreamDialTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_DIAL_TIMEOUT must be positive")
	}
	if c.UpstreamDialAttempts <= 0 {
		return fmt.Errorf("UPSTREAM_DIAL_ATTEMPTS must be positive")
	}
	if c.EventLogTTL < time.Second {
		return fmt.Errorf("EVENT_LOG_TTL must be at least 1s")
	}
	if c.EventLogMaxPerSession < 0 {
		return fmt.Errorf("EVENT_LOG_MAX_PER_SESSION must be >= 0")
	}
	if c.ConfigRetention <= 0 {
		return fmt.Errorf("CONFIG_RETENTION must be positive")
	}
	if c.TokenDefaultTTL < time.Second {
		return fmt.Errorf("TOKEN_DEFAULT_TTL must be at least 1s")
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be console or json")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	return parseDuration(key, v)
}

// parseDuration accepts Go durations ("90s") and bare integers as seconds.
func parseDuration(key, v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
