package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Fallback policies for room resolution when the directory is unreachable.
const (
	FallbackLocal = "local"
	FallbackFail  = "fail"
)

type Config struct {
	Server struct {
		Address          string        `yaml:"address"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
		OperationTimeout time.Duration `yaml:"operation_timeout"`
		// APIToken, when set, is required as a bearer token on the control API.
		APIToken string `yaml:"api_token"`
	} `yaml:"server"`

	Directory struct {
		BaseURL        string        `yaml:"base_url"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		Fallback       string        `yaml:"fallback"`
		HandleCacheTTL time.Duration `yaml:"handle_cache_ttl"`
		Breaker        struct {
			MaxFailures  int           `yaml:"max_failures"`
			ResetTimeout time.Duration `yaml:"reset_timeout"`
		} `yaml:"breaker"`
	} `yaml:"directory"`

	Session struct {
		DefaultTokenTTL           time.Duration `yaml:"default_token_ttl"`
		InboundPreemptsConnecting bool          `yaml:"inbound_preempts_connecting"`
		DeviceManagerAttempts     int           `yaml:"device_manager_attempts"`
		DeviceManagerBackoff      time.Duration `yaml:"device_manager_backoff"`
	} `yaml:"session"`

	Media struct {
		VideoCodec  string   `yaml:"video_codec"`
		Cameras     []string `yaml:"cameras"`
		DenyCapture bool     `yaml:"deny_capture"`
	} `yaml:"media"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SamplingRate   float64 `yaml:"sampling_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled      bool   `yaml:"enabled"`
		Address      string `yaml:"address"`
		Password     string `yaml:"password"`
		DB           int    `yaml:"db"`
		PoolSize     int    `yaml:"pool_size"`
		EventChannel string `yaml:"event_channel"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int `yaml:"connections_per_minute"`
			MaxConcurrent        int `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.OperationTimeout <= 0 {
		return fmt.Errorf("server.operation_timeout must be > 0")
	}

	// Directory
	if c.Directory.BaseURL == "" {
		return fmt.Errorf("directory.base_url must not be empty")
	}
	if u, err := url.Parse(c.Directory.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("directory.base_url must be an absolute URL, got %q", c.Directory.BaseURL)
	}
	if c.Directory.RequestTimeout <= 0 {
		return fmt.Errorf("directory.request_timeout must be > 0")
	}
	if c.Directory.Fallback != FallbackLocal && c.Directory.Fallback != FallbackFail {
		return fmt.Errorf("directory.fallback must be %q or %q, got %q", FallbackLocal, FallbackFail, c.Directory.Fallback)
	}
	if c.Directory.Breaker.MaxFailures <= 0 {
		return fmt.Errorf("directory.breaker.max_failures must be > 0")
	}
	if c.Directory.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("directory.breaker.reset_timeout must be > 0")
	}

	// Session
	if c.Session.DefaultTokenTTL <= 0 {
		return fmt.Errorf("session.default_token_ttl must be > 0")
	}
	if c.Session.DeviceManagerAttempts <= 0 {
		return fmt.Errorf("session.device_manager_attempts must be > 0")
	}
	if c.Session.DeviceManagerBackoff < 0 {
		return fmt.Errorf("session.device_manager_backoff must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1]")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.OperationTimeout = 20 * time.Second

	cfg.Directory.BaseURL = "http://localhost:8000"
	cfg.Directory.RequestTimeout = 5 * time.Second
	cfg.Directory.Fallback = FallbackLocal
	cfg.Directory.HandleCacheTTL = 24 * time.Hour
	cfg.Directory.Breaker.MaxFailures = 3
	cfg.Directory.Breaker.ResetTimeout = 30 * time.Second

	cfg.Session.DefaultTokenTTL = time.Hour
	cfg.Session.InboundPreemptsConnecting = true
	cfg.Session.DeviceManagerAttempts = 3
	cfg.Session.DeviceManagerBackoff = 500 * time.Millisecond

	cfg.Media.VideoCodec = "video/VP8"
	cfg.Media.Cameras = []string{"default-camera"}

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SamplingRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.EventChannel = "callsession:events"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 30

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CALLSESSION_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if tok := os.Getenv("CALLSESSION_API_TOKEN"); tok != "" {
		c.Server.APIToken = tok
	}
	if base := os.Getenv("CALLSESSION_DIRECTORY_URL"); base != "" {
		c.Directory.BaseURL = base
	}
	if fb := os.Getenv("CALLSESSION_DIRECTORY_FALLBACK"); fb != "" {
		c.Directory.Fallback = fb
	}
	if level := os.Getenv("CALLSESSION_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("CALLSESSION_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
