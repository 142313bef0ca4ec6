package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.EventLogTTL != time.Hour {
		t.Fatalf("EventLogTTL = %v, want 1h", cfg.EventLogTTL)
	}
	if cfg.TokenDefaultTTL != 600*time.Second {
		t.Fatalf("TokenDefaultTTL = %v, want 600s", cfg.TokenDefaultTTL)
	}
	if cfg.RealtimeModel != "gpt-4o-realtime-preview-2024-12-17" {
		t.Fatalf("RealtimeModel = %q", cfg.RealtimeModel)
	}
	if !cfg.ServerTools {
		t.Fatalf("ServerTools = false, want true by default")
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins = %v, want localhost dev origins", cfg.AllowedOrigins)
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	setCoreEnvEmpty(t)
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "API_TOKEN") {
		t.Fatalf("Load() error = %v, want API_TOKEN required", err)
	}
	t.Setenv("API_TOKEN", "secret")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Fatalf("Load() error = %v, want OPENAI_API_KEY required", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("EVENT_LOG_TTL", "120")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("RELAY_SERVER_TOOLS", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.EventLogTTL != 2*time.Minute {
		t.Fatalf("EventLogTTL = %v, want 2m from bare seconds", cfg.EventLogTTL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.ServerTools {
		t.Fatalf("ServerTools = true, want false")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"UPSTREAM_DIAL_ATTEMPTS":         "0",
		"OPENAI_REALTIME_URL":            "https://api.openai.com/v1/realtime",
		"RELAY_REQUIRE_SOCKET_TOKEN":     "maybe",
		"LOG_FORMAT":                     "xml",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv("API_TOKEN", "secret")
			t.Setenv("OPENAI_API_KEY", "sk-test")
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q should fail", key, value)
			}
		})
	}
}

func TestLoadTOMLFileWithEnvOverride(t *testing.T) {
	setCoreEnvEmpty(t)
	path := writeFile(t, "relay.toml", `
[server]
bind_addr = ":9999"
allowed_origins = ["https://app.example"]

[upstream]
api_key = "sk-file"
dial_timeout = "3s"

[relay]
api_token = "file-token"
require_socket_token = true

[event_log]
ttl = "30m"
max_per_session = 0
`)
	t.Setenv("APP_BIND_ADDR", ":7777")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.BindAddr != ":7777" {
		t.Fatalf("BindAddr = %q, want env override", cfg.BindAddr)
	}
	if cfg.OpenAIAPIKey != "sk-file" || cfg.APIToken != "file-token" {
		t.Fatalf("secrets not read from file: %+v", cfg)
	}
	if cfg.UpstreamDialTimeout != 3*time.Second || cfg.EventLogTTL != 30*time.Minute {
		t.Fatalf("durations = %v/%v", cfg.UpstreamDialTimeout, cfg.EventLogTTL)
	}
	if !cfg.RequireSocketToken || cfg.EventLogMaxPerSession != 0 {
		t.Fatalf("RequireSocketToken=%v EventLogMaxPerSession=%d", cfg.RequireSocketToken, cfg.EventLogMaxPerSession)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://app.example" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	setCoreEnvEmpty(t)
	path := writeFile(t, "relay.yaml", `
upstream:
  api_key: sk-yaml
  model: gpt-realtime
relay:
  api_token: yaml-token
  server_tools: false
log:
  format: json
`)
	t.Setenv("RELAY_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RealtimeModel != "gpt-realtime" || cfg.ServerTools || cfg.LogFormat != "json" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
}

func TestLoadFileErrors(t *testing.T) {
	setCoreEnvEmpty(t)
	if _, err := LoadWithFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("missing file should fail")
	}
	if _, err := LoadWithFile(writeFile(t, "relay.ini", "x=1")); err == nil {
		t.Fatalf("unsupported extension should fail")
	}
	if _, err := LoadWithFile(writeFile(t, "bad.toml", "[event_log]\nttl = \"soon\"\n")); err == nil {
		t.Fatalf("bad duration should fail")
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"RELAY_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_ALLOWED_ORIGINS",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"OPENAI_API_KEY",
		"OPENAI_REALTIME_URL",
		"OPENAI_REALTIME_MODEL",
		"UPSTREAM_DIAL_TIMEOUT",
		"UPSTREAM_DIAL_ATTEMPTS",
		"API_TOKEN",
		"RELAY_REQUIRE_SOCKET_TOKEN",
		"RELAY_SERVER_TOOLS",
		"EVENT_LOG_TTL",
		"EVENT_LOG_MAX_PER_SESSION",
		"CONFIG_RETENTION",
		"TOKEN_DEFAULT_TTL",
		"REDIS_URL",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
