package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"

	apxerrors "bpgateway/errors"
)

// DefaultConfig mirrors the teacher's embedded-YAML-default pattern:
// every field below has a sane value before env overrides are applied.
var DefaultConfig = []byte(`
listen_addr: ":8888"

logger:
  level: "info"
  encoding: "console"

cors:
  allowed_origins:
  - "*"

browser_pool:
  chromium_profile_base_dir: "/tmp/bpgateway/profiles"
  debugging_port_start: 9222
  num_warm: 1
  max_instances: 4
  idle_timeout: 30
  scale_down_interval: 0
  max_startup_attempts: 3
  health_check_interval: 30
  purge_profile_base_dir: false
  launch_backend: "process"
  playwright_health_probe: false

proxy:
  connection_timeout: 5

rate_limit:
  rps: 20
  burst: 40

kafka_brokers: ""

diagnostics_s3_bucket: ""
`)

// Config is the gateway's fully-resolved, typed configuration bundle
// (SPEC_FULL.md §6). koanf layers the embedded default above under
// process environment variables.
type Config struct {
	ListenAddr string      `koanf:"listen_addr" json:"listen_addr"`
	Logger     Logger      `koanf:"logger" json:"logger"`
	Cors       CORS        `koanf:"cors" json:"cors"`
	BrowserPool BrowserPool `koanf:"browser_pool" json:"browser_pool"`
	Proxy      Proxy       `koanf:"proxy" json:"proxy"`
	RateLimit  RateLimit   `koanf:"rate_limit" json:"rate_limit"`

	KafkaBrokers        string `koanf:"kafka_brokers" json:"kafka_brokers"`
	DiagnosticsS3Bucket string `koanf:"diagnostics_s3_bucket" json:"diagnostics_s3_bucket"`
}

type Logger struct {
	Level    string `koanf:"level" json:"level"`
	Encoding string `koanf:"encoding" json:"encoding"` // "console" or "logfmt"
	HostName string `koanf:"host_name" json:"host_name"`
}

type CORS struct {
	AllowedOrigins []string `koanf:"allowed_origins" json:"allowed_origins"`
}

// BrowserPool carries spec.md §6's core tunables plus the domain-stack
// additions from SPEC_FULL.md §4.G–4.J.
type BrowserPool struct {
	ChromiumProfileBaseDir string `koanf:"chromium_profile_base_dir" json:"chromium_profile_base_dir"`
	DebuggingPortStart     int    `koanf:"debugging_port_start" json:"debugging_port_start"`
	NumWarm                int    `koanf:"num_warm" json:"num_warm"`
	MaxInstances           int    `koanf:"max_instances" json:"max_instances"`
	IdleTimeout            int    `koanf:"idle_timeout" json:"idle_timeout"` // seconds
	ScaleDownInterval      int    `koanf:"scale_down_interval" json:"scale_down_interval"` // seconds, 0 disables
	MaxStartupAttempts     int    `koanf:"max_startup_attempts" json:"max_startup_attempts"`
	HealthCheckInterval    int    `koanf:"health_check_interval" json:"health_check_interval"` // seconds
	PurgeProfileBaseDir    bool   `koanf:"purge_profile_base_dir" json:"purge_profile_base_dir"`
	LaunchBackend          string `koanf:"launch_backend" json:"launch_backend"` // "process" or "docker"
	DockerImage            string `koanf:"docker_image" json:"docker_image"`
	PlaywrightHealthProbe  bool   `koanf:"playwright_health_probe" json:"playwright_health_probe"`
}

type Proxy struct {
	ConnectionTimeout int `koanf:"connection_timeout" json:"connection_timeout"` // seconds
}

type RateLimit struct {
	RPS   int `koanf:"rps" json:"rps"`
	Burst int `koanf:"burst" json:"burst"`
}

func (b BrowserPool) IdleTimeoutDuration() time.Duration {
	return time.Duration(b.IdleTimeout) * time.Second
}

func (b BrowserPool) ScaleDownIntervalDuration() time.Duration {
	return time.Duration(b.ScaleDownInterval) * time.Second
}

func (b BrowserPool) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(b.HealthCheckInterval) * time.Second
}

func (p Proxy) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(p.ConnectionTimeout) * time.Second
}

// Load builds the koanf instance: embedded YAML default, then
// SCREAMING_SNAKE_CASE env vars mapped onto the same dotted keys by
// envKeyToKoanfKey (e.g. MAX_INSTANCES -> browser_pool.max_instances).
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(DefaultConfig), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}
	envProvider := env.ProviderWithValue("", ".", func(envKey, value string) (string, interface{}) {
		key := envKeyToKoanfKey(envKey)
		if key == "cors.allowed_origins" {
			return key, strings.Split(value, ",")
		}
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// envKeyToKoanfKey maps CHROMIUM_PROFILE_BASE_DIR-style env vars onto
// browser_pool.chromium_profile_base_dir-style koanf keys, special-casing
// the names spec.md §6 fixes at the top level rather than nesting them
// under browser_pool.
func envKeyToKoanfKey(envKey string) string {
	lower := strings.ToLower(envKey)
	switch lower {
	case "listen_addr", "log_level", "log_encoding", "cors_allowed_origins",
		"kafka_brokers", "diagnostics_s3_bucket",
		"lease_rate_limit_rps", "lease_rate_limit_burst":
		return remapTopLevel(lower)
	case "chromium_profile_base_dir", "debugging_port_start", "num_warm",
		"max_instances", "idle_timeout", "scale_down_interval",
		"max_startup_attempts", "health_check_interval",
		"purge_profile_base_dir", "browser_launch_backend", "docker_image",
		"playwright_health_probe":
		return "browser_pool." + strings.TrimPrefix(lower, "browser_")
	case "proxy_connection_timeout":
		return "proxy.connection_timeout"
	default:
		return strings.ReplaceAll(lower, "_", ".")
	}
}

func remapTopLevel(lower string) string {
	switch lower {
	case "listen_addr":
		return "listen_addr"
	case "log_level":
		return "logger.level"
	case "log_encoding":
		return "logger.encoding"
	case "cors_allowed_origins":
		return "cors.allowed_origins"
	case "kafka_brokers":
		return "kafka_brokers"
	case "diagnostics_s3_bucket":
		return "diagnostics_s3_bucket"
	case "lease_rate_limit_rps":
		return "rate_limit.rps"
	case "lease_rate_limit_burst":
		return "rate_limit.burst"
	}
	return lower
}

// Validate checks the resolved bundle for the same class of mistakes the
// teacher's config.Validate caught: empty required strings and bad bounds.
func (c *Config) Validate() error {
	ve := apxerrors.ValidationErrs()

	if c.ListenAddr == "" {
		ve.Add("listen_addr", "cannot be empty")
	}
	if c.Logger.Level == "" {
		ve.Add("logger.level", "cannot be empty")
	}
	if c.Logger.Encoding != "console" && c.Logger.Encoding != "logfmt" {
		ve.Add("logger.encoding", "must be console or logfmt")
	}
	if c.BrowserPool.ChromiumProfileBaseDir == "" {
		ve.Add("browser_pool.chromium_profile_base_dir", "cannot be empty")
	}
	if c.BrowserPool.MaxInstances <= 0 {
		ve.Add("browser_pool.max_instances", "must be positive")
	}
	if c.BrowserPool.NumWarm < 0 || c.BrowserPool.NumWarm > c.BrowserPool.MaxInstances {
		ve.Add("browser_pool.num_warm", "must be between 0 and max_instances")
	}
	if c.BrowserPool.DebuggingPortStart <= 0 {
		ve.Add("browser_pool.debugging_port_start", "must be positive")
	}
	if c.BrowserPool.LaunchBackend != "process" && c.BrowserPool.LaunchBackend != "docker" {
		ve.Add("browser_pool.launch_backend", "must be process or docker")
	}

	if host, err := os.Hostname(); err != nil {
		ve.Add("hostname", "invalid")
	} else {
		c.Logger.HostName = host
	}

	return ve.Err()
}
