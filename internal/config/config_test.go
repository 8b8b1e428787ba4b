package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("PORTFOLIO_ENDPOINTS", "https://a.example, https://b.example,,")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("CACHE_GET_TIMEOUT", "1500ms")
	t.Setenv("REDIS_ENABLED", "false")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	wantEndpoints := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(cfg.Endpoints.URLs, wantEndpoints) {
		t.Errorf("Endpoints.URLs = %v, want %v", cfg.Endpoints.URLs, wantEndpoints)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if cfg.Cache.GetTimeout != 1500*time.Millisecond {
		t.Errorf("Cache.GetTimeout = %v, want %v", cfg.Cache.GetTimeout, 1500*time.Millisecond)
	}
	if cfg.Redis.Enabled {
		t.Errorf("Redis.Enabled = true, want false")
	}
	if cfg.Endpoints.Timeout != 45*time.Second {
		t.Errorf("Endpoints.Timeout = %v, want default 45s", cfg.Endpoints.Timeout)
	}
	if cfg.Backup.MaxAge != 24*time.Hour {
		t.Errorf("Backup.MaxAge = %v, want default 24h", cfg.Backup.MaxAge)
	}
}

func TestLoadConfig_RequiresEndpoint(t *testing.T) {
	t.Setenv("PORTFOLIO_ENDPOINTS", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() expected error without endpoints")
	}
}

func TestLoadConfig_YAMLFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portfolio.yaml")
	yamlDoc := `
endpoints:
  urls:
    - https://primary.example
    - https://secondary.example
  timeout: 10s
  headers:
    X-API-Key: secret
query:
  stale_time: 2m
  retries: 1
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	t.Setenv("PORTFOLIO_CONFIG_FILE", path)
	t.Setenv("PORTFOLIO_ENDPOINTS", "")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if len(cfg.Endpoints.URLs) != 2 || cfg.Endpoints.URLs[0] != "https://primary.example" {
		t.Errorf("Endpoints.URLs = %v, want YAML order", cfg.Endpoints.URLs)
	}
	if cfg.Endpoints.Timeout != 10*time.Second {
		t.Errorf("Endpoints.Timeout = %v, want 10s", cfg.Endpoints.Timeout)
	}
	if cfg.Endpoints.Headers["X-API-Key"] != "secret" {
		t.Errorf("Endpoints.Headers = %v, want X-API-Key from YAML", cfg.Endpoints.Headers)
	}
	if cfg.Query.StaleTime != 2*time.Minute || cfg.Query.Retries != 1 {
		t.Errorf("Query = %+v, want stale 2m and 1 retry", cfg.Query)
	}
	if cfg.Query.GCTime != 30*time.Minute {
		t.Errorf("Query.GCTime = %v, want default kept", cfg.Query.GCTime)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %v, want env override warn", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) { c.Endpoints.URLs = []string{"https://a.example"} },
		},
		{
			name:    "no endpoints",
			mutate:  func(c *Config) {},
			wantErr: "at least one endpoint",
		},
		{
			name:    "relative endpoint",
			mutate:  func(c *Config) { c.Endpoints.URLs = []string{"a.example/api"} },
			wantErr: "not an absolute http(s) URL",
		},
		{
			name: "non-positive timeout",
			mutate: func(c *Config) {
				c.Endpoints.URLs = []string{"http://localhost:3000"}
				c.Endpoints.Timeout = 0
			},
			wantErr: "endpoint timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnvAsList(t *testing.T) {
	t.Setenv("TEST_LIST", " x , ,y")
	got := getEnvAsList("TEST_LIST", []string{"default"})
	if !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Errorf("getEnvAsList() = %v", got)
	}

	if got := getEnvAsList("TEST_LIST_MISSING", []string{"default"}); !reflect.DeepEqual(got, []string{"default"}) {
		t.Errorf("getEnvAsList() default = %v", got)
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "not-a-duration")
	if got := getEnvAsDuration("TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("getEnvAsDuration() = %v, want fallback", got)
	}
}
