package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape. Durations are strings so both formats
// accept "90s" as well as plain seconds.
type fileConfig struct {
	Server struct {
		BindAddr          string   `toml:"bind_addr" yaml:"bind_addr"`
		ShutdownTimeout   string   `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
		InactivityTimeout string   `toml:"inactivity_timeout" yaml:"inactivity_timeout"`
		MetricsNamespace  string   `toml:"metrics_namespace" yaml:"metrics_namespace"`
		AllowAnyOrigin    *bool    `toml:"allow_any_origin" yaml:"allow_any_origin"`
		AllowedOrigins    []string `toml:"allowed_origins" yaml:"allowed_origins"`
	} `toml:"server" yaml:"server"`
	Log struct {
		Level  string `toml:"level" yaml:"level"`
		Format string `toml:"format" yaml:"format"`
	} `toml:"log" yaml:"log"`
	Upstream struct {
		APIKey       string `toml:"api_key" yaml:"api_key"`
		URL          string `toml:"url" yaml:"url"`
		Model        string `toml:"model" yaml:"model"`
		DialTimeout  string `toml:"dial_timeout" yaml:"dial_timeout"`
		DialAttempts int    `toml:"dial_attempts" yaml:"dial_attempts"`
	} `toml:"upstream" yaml:"upstream"`
	Relay struct {
		APIToken           string `toml:"api_token" yaml:"api_token"`
		RequireSocketToken *bool  `toml:"require_socket_token" yaml:"require_socket_token"`
		ServerTools        *bool  `toml:"server_tools" yaml:"server_tools"`
		ConfigRetention    string `toml:"config_retention" yaml:"config_retention"`
		TokenDefaultTTL    string `toml:"token_default_ttl" yaml:"token_default_ttl"`
	} `toml:"relay" yaml:"relay"`
	EventLog struct {
		TTL           string `toml:"ttl" yaml:"ttl"`
		MaxPerSession *int   `toml:"max_per_session" yaml:"max_per_session"`
	} `toml:"event_log" yaml:"event_log"`
	Storage struct {
		RedisURL    string `toml:"redis_url" yaml:"redis_url"`
		DatabaseURL string `toml:"database_url" yaml:"database_url"`
	} `toml:"storage" yaml:"storage"`
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), &fc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config file %s: unsupported extension (want .toml, .yaml or .yml)", path)
	}
	return fc.merge(cfg)
}

func (fc fileConfig) merge(cfg *Config) error {
	setString(&cfg.BindAddr, fc.Server.BindAddr)
	setString(&cfg.MetricsNamespace, fc.Server.MetricsNamespace)
	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)
	setString(&cfg.OpenAIAPIKey, fc.Upstream.APIKey)
	setString(&cfg.RealtimeURL, fc.Upstream.URL)
	setString(&cfg.RealtimeModel, fc.Upstream.Model)
	setString(&cfg.APIToken, fc.Relay.APIToken)
	setString(&cfg.RedisURL, fc.Storage.RedisURL)
	setString(&cfg.DatabaseURL, fc.Storage.DatabaseURL)

	if len(fc.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = append([]string(nil), fc.Server.AllowedOrigins...)
	}
	if fc.Server.AllowAnyOrigin != nil {
		cfg.AllowAnyOrigin = *fc.Server.AllowAnyOrigin
	}
	if fc.Relay.RequireSocketToken != nil {
		cfg.RequireSocketToken = *fc.Relay.RequireSocketToken
	}
	if fc.Relay.ServerTools != nil {
		cfg.ServerTools = *fc.Relay.ServerTools
	}
	if fc.Upstream.DialAttempts != 0 {
		cfg.UpstreamDialAttempts = fc.Upstream.DialAttempts
	}
	if fc.EventLog.MaxPerSession != nil {
		cfg.EventLogMaxPerSession = *fc.EventLog.MaxPerSession
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"server.shutdown_timeout", fc.Server.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"server.inactivity_timeout", fc.Server.InactivityTimeout, &cfg.SessionInactivityTimeout},
		{"upstream.dial_timeout", fc.Upstream.DialTimeout, &cfg.UpstreamDialTimeout},
		{"relay.config_retention", fc.Relay.ConfigRetention, &cfg.ConfigRetention},
		{"relay.token_default_ttl", fc.Relay.TokenDefaultTTL, &cfg.TokenDefaultTTL},
		{"event_log.ttl", fc.EventLog.TTL, &cfg.EventLogTTL},
	}
	for _, d := range durations {
		v := strings.TrimSpace(d.raw)
		if v == "" {
			continue
		}
		parsed, err := parseDuration(d.key, v)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
