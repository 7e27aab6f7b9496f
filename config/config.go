package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the replay gateway and the loader.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Loader    LoaderConfig    `mapstructure:"loader"`
	Index     IndexConfig     `mapstructure:"index"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Exclusion ExclusionConfig `mapstructure:"exclusion"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

func (g GeneralConfig) Validate() error {
	switch strings.ToLower(g.LogLevel) {
	case "", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("general.log_level %q must be debug, info, warn or error", g.LogLevel)
}

// ServerConfig configures the replay gateway.
type ServerConfig struct {
	Address        string `mapstructure:"address"`
	StaticDir      string `mapstructure:"static_dir"`
	ReplayPrefix   string `mapstructure:"replay_prefix"`
	TimemapPrefix  string `mapstructure:"timemap_prefix"`
	TimegatePrefix string `mapstructure:"timegate_prefix"`
	// ArchiveSourceHeader names the container file header; empty disables it.
	ArchiveSourceHeader string `mapstructure:"archive_source_header"`
	// RuntimeErrorHeader carries a one-line failure summary; empty disables it.
	RuntimeErrorHeader string `mapstructure:"runtime_error_header"`
}

// LoaderConfig configures the resource loader service.
type LoaderConfig struct {
	Address            string `mapstructure:"address"`
	JWTSecret          string `mapstructure:"jwt_secret"`
	CookieAuthToken    string `mapstructure:"cookie_auth_token"`
	LogTraffic         bool   `mapstructure:"log_traffic"`
	// RuntimeErrorHeader carries a one-line failure summary; empty disables it.
	RuntimeErrorHeader string `mapstructure:"runtime_error_header"`
	// CORSOrigins is a regular expression matched against the Origin header.
	CORSOrigins        string `mapstructure:"cors_allowed_origin_pattern"`
}

func (l LoaderConfig) Validate() error {
	if l.CORSOrigins == "" {
		return nil
	}
	if _, err := regexp.Compile(l.CORSOrigins); err != nil {
		return fmt.Errorf("loader.cors_allowed_origin_pattern: %w", err)
	}
	return nil
}

// IndexConfig points at the capture index service.
type IndexConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Format   string        `mapstructure:"format"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Retries  int           `mapstructure:"retries"`
	Backoff  time.Duration `mapstructure:"backoff"`
	// CacheTTL enables the Redis result cache when positive.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

func (i IndexConfig) Validate() error {
	if strings.TrimSpace(i.Endpoint) == "" {
		return fmt.Errorf("index.endpoint required")
	}
	switch i.Format {
	case "cdxj", "cdx", "legacy", "cdx11":
	default:
		return fmt.Errorf("index.format %q must be cdxj or cdx", i.Format)
	}
	if i.Retries < 0 {
		return fmt.Errorf("index.retries cannot be negative")
	}
	return nil
}

// ReplayConfig tunes the resolution loop.
type ReplayConfig struct {
	MaxRedirectAttempts int    `mapstructure:"max_redirect_attempts"`
	TimestampSearch     bool   `mapstructure:"timestamp_search"`
	NarrowLimit         int    `mapstructure:"narrow_limit"`
	LiveWebPrefix       string `mapstructure:"live_web_prefix"`
}

func (r ReplayConfig) Validate() error {
	if r.MaxRedirectAttempts < 1 {
		return fmt.Errorf("replay.max_redirect_attempts must be >= 1")
	}
	if r.TimestampSearch && r.NarrowLimit < 1 {
		return fmt.Errorf("replay.narrow_limit must be >= 1 when timestamp_search is enabled")
	}
	return nil
}

// StorageConfig lists the resource backends and the federation policy.
type StorageConfig struct {
	Backends []BackendConfig `mapstructure:"backends"`
	Timeout  time.Duration   `mapstructure:"timeout"`
	Breaker  BreakerConfig   `mapstructure:"breaker"`
}

// BackendConfig declares one backend. Type is a registered scheme
// ("warcdir" or "remote"); Spec is its directory or endpoint.
type BackendConfig struct {
	Name  string `mapstructure:"name"`
	Type  string `mapstructure:"type"`
	Spec  string `mapstructure:"spec"`
	Token string `mapstructure:"token"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	CoolDown         time.Duration `mapstructure:"cool_down"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
}

// ErrNoBackends is reported when storage.backends is empty.
var ErrNoBackends = errors.New("storage.backends: at least one backend required")

func (s StorageConfig) Validate() error {
	if len(s.Backends) == 0 {
		return ErrNoBackends
	}
	seen := make(map[string]bool, len(s.Backends))
	for i, b := range s.Backends {
		if strings.TrimSpace(b.Type) == "" || strings.TrimSpace(b.Spec) == "" {
			return fmt.Errorf("storage.backends[%d]: type and spec required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("storage.backends[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = true
	}
	if s.Timeout < 0 {
		return fmt.Errorf("storage.timeout cannot be negative")
	}
	if s.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("storage.breaker.failure_threshold must be > 0")
	}
	return nil
}

// Normalize names unnamed backends after their type and position.
func (s StorageConfig) Normalize() StorageConfig {
	out := make([]BackendConfig, len(s.Backends))
	for i, b := range s.Backends {
		b.Type = strings.ToLower(strings.TrimSpace(b.Type))
		if strings.TrimSpace(b.Name) == "" {
			b.Name = fmt.Sprintf("%s-%d", b.Type, i)
		}
		out[i] = b
	}
	s.Backends = out
	return s
}

// RedisConfig contains Redis connection settings. An empty host disables Redis.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Addr() string { return net.JoinHostPort(r.Host, r.Port) }

func (r RedisConfig) Validate() error {
	if r.Enabled() && strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("redis.port required when redis.host is set")
	}
	return nil
}

// ExclusionConfig holds static rules and the optional SQL rule table.
type ExclusionConfig struct {
	Rules   []string `mapstructure:"rules"`
	Driver  string   `mapstructure:"driver"`
	DSN     string   `mapstructure:"dsn"`
	Refresh string   `mapstructure:"refresh"`
}

func (e ExclusionConfig) Validate() error {
	if e.DSN == "" {
		return nil
	}
	if e.Driver != "postgres" && e.Driver != "sqlite" {
		return fmt.Errorf("exclusion.driver %q must be postgres or sqlite", e.Driver)
	}
	return nil
}

// TelemetryConfig contains tracing settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	// Every key needs a default for AutomaticEnv to see it during Unmarshal.
	for _, k := range []string{
		"server.static_dir", "server.archive_source_header", "loader.jwt_secret",
		"loader.cors_allowed_origin_pattern",
		"index.endpoint", "replay.live_web_prefix", "redis.host", "redis.password",
		"exclusion.dsn", "telemetry.otlp_endpoint",
	} {
		v.SetDefault(k, "")
	}
	v.SetDefault("general.debug", false)
	v.SetDefault("loader.log_traffic", false)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("index.cache_ttl", time.Duration(0))
	v.SetDefault("redis.db", 0)
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.replay_prefix", "/web/")
	v.SetDefault("server.timemap_prefix", "/timemap/link/")
	v.SetDefault("server.timegate_prefix", "/timegate/")
	v.SetDefault("server.runtime_error_header", "X-Archive-Wayback-Runtime-Error")
	v.SetDefault("loader.address", ":8081")
	v.SetDefault("loader.cookie_auth_token", "cdx_auth_token")
	v.SetDefault("loader.runtime_error_header", "X-Archive-Wayback-Runtime-Error")
	v.SetDefault("index.format", "cdxj")
	v.SetDefault("index.timeout", 10*time.Second)
	v.SetDefault("index.retries", 2)
	v.SetDefault("index.backoff", 200*time.Millisecond)
	v.SetDefault("replay.max_redirect_attempts", 3)
	v.SetDefault("replay.timestamp_search", true)
	v.SetDefault("replay.narrow_limit", 10)
	v.SetDefault("storage.timeout", 10*time.Second)
	v.SetDefault("storage.breaker.failure_threshold", 5)
	v.SetDefault("storage.breaker.cool_down", 30*time.Second)
	v.SetDefault("storage.breaker.half_open_requests", 1)
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.timeout", 2*time.Second)
	v.SetDefault("exclusion.driver", "postgres")
	v.SetDefault("exclusion.refresh", "*/5 * * * *")
	v.SetDefault("telemetry.service_name", "timegate")
}

// Load reads config from path, or from config.json in the usual places when
// path is empty. TIMEGATE_* environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)                                // bin/
		v.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("TIMEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match (TIMEGATE_*)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	config.Storage = config.Storage.Normalize()

	for _, validate := range []func() error{
		config.General.Validate,
		config.Loader.Validate,
		config.Index.Validate,
		config.Replay.Validate,
		config.Storage.Validate,
		config.Redis.Validate,
		config.Exclusion.Validate,
	} {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	return &config, nil
}

// LoadConfig is Load for process start-up: any error is fatal.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
