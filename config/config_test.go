package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `{
  "index": {"endpoint": "http://cdx.local:8080"},
  "storage": {"backends": [{"type": "warcdir", "spec": "/data/warcs"}, {"name": "peer", "type": "remote", "spec": "http://loader:8081"}]}
}`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Replay.MaxRedirectAttempts != 3 || !cfg.Replay.TimestampSearch || cfg.Replay.NarrowLimit != 10 {
		t.Fatalf("replay defaults: %+v", cfg.Replay)
	}
	if cfg.Storage.Timeout != 10*time.Second || cfg.Storage.Breaker.FailureThreshold != 5 || cfg.Storage.Breaker.CoolDown != 30*time.Second {
		t.Fatalf("storage defaults: %+v", cfg.Storage)
	}
	if cfg.Index.Format != "cdxj" || cfg.Index.Timeout != 10*time.Second {
		t.Fatalf("index defaults: %+v", cfg.Index)
	}
	if cfg.Loader.CookieAuthToken != "cdx_auth_token" {
		t.Fatalf("cookie name %q", cfg.Loader.CookieAuthToken)
	}
	if cfg.Loader.RuntimeErrorHeader != "X-Archive-Wayback-Runtime-Error" {
		t.Fatalf("loader runtime header %q", cfg.Loader.RuntimeErrorHeader)
	}
	if cfg.Storage.Backends[0].Name != "warcdir-0" || cfg.Storage.Backends[1].Name != "peer" {
		t.Fatalf("backend names: %+v", cfg.Storage.Backends)
	}
	if cfg.Redis.Enabled() {
		t.Fatalf("redis enabled without a host")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TIMEGATE_REPLAY_MAX_REDIRECT_ATTEMPTS", "7")
	t.Setenv("TIMEGATE_REDIS_HOST", "cache")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Replay.MaxRedirectAttempts != 7 {
		t.Fatalf("env override ignored: %d", cfg.Replay.MaxRedirectAttempts)
	}
	if cfg.Redis.Addr() != "cache:6379" {
		t.Fatalf("redis addr %q", cfg.Redis.Addr())
	}
}

func TestLoadRejectsMissingBackends(t *testing.T) {
	_, err := Load(writeConfig(t, `{"index": {"endpoint": "http://cdx.local"}}`))
	if !errors.Is(err, ErrNoBackends) {
		t.Fatalf("expected ErrNoBackends, got %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("LoadConfig did not panic")
		}
	}()
	LoadConfig(writeConfig(t, `{"index": {"endpoint": "http://cdx.local"}}`))
}

func TestValidateSections(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"bad log level", GeneralConfig{LogLevel: "loud"}.Validate()},
		{"no index endpoint", IndexConfig{Format: "cdxj"}.Validate()},
		{"bad index format", IndexConfig{Endpoint: "http://x", Format: "warc"}.Validate()},
		{"zero attempts", ReplayConfig{}.Validate()},
		{"bad cors pattern", LoaderConfig{CORSOrigins: "(unclosed"}.Validate()},
		{"bad exclusion driver", ExclusionConfig{DSN: "x", Driver: "mysql"}.Validate()},
		{"duplicate backend", StorageConfig{Backends: []BackendConfig{{Name: "a", Type: "warcdir", Spec: "/x"}, {Name: "a", Type: "warcdir", Spec: "/y"}}, Breaker: BreakerConfig{FailureThreshold: 1}}.Validate()},
	}
	for _, tc := range cases {
		if tc.err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
