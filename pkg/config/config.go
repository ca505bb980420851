package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
)

type Config struct {
	Agent struct {
		// UserID is the identity the agent places and answers calls as.
		UserID string `yaml:"user_id"`
	} `yaml:"agent"`

	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
	} `yaml:"server"`

	Call struct {
		RingingTimeout    time.Duration `yaml:"ringing_timeout"`
		DeclineGrace      time.Duration `yaml:"decline_grace"`
		NavigateBackDelay time.Duration `yaml:"navigate_back_delay"`
		TeardownTimeout   time.Duration `yaml:"teardown_timeout"`
	} `yaml:"call"`

	WebRTC struct {
		// Optional UDP port range for ICE; zero means any ephemeral port.
		PortMin uint16 `yaml:"port_min"`
		PortMax uint16 `yaml:"port_max"`
	} `yaml:"webrtc"`

	Media struct {
		Width        int     `yaml:"width"`
		Height       int     `yaml:"height"`
		FrameRate    float64 `yaml:"frame_rate"`
		VideoBitrate int     `yaml:"video_bitrate"`
		AudioBitrate int     `yaml:"audio_bitrate"`
	} `yaml:"media"`

	Store struct {
		Backend string `yaml:"backend"`
		// Fallback to the in-memory store when the configured backend is unreachable.
		FallbackToMemory bool `yaml:"fallback_to_memory"`
		Retry            struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`
		CircuitBreaker struct {
			MaxFailures int           `yaml:"max_failures"`
			Timeout     time.Duration `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"store"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"mongo"`

	Profiles struct {
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"profiles"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRatio    float64 `yaml:"sample_ratio"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConnections      int     `yaml:"max_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Janitor struct {
		Interval        time.Duration `yaml:"interval"`
		RingingMaxAge   time.Duration `yaml:"ringing_max_age"`
		TerminalMaxAge  time.Duration `yaml:"terminal_max_age"`
		ConnectedMaxAge time.Duration `yaml:"connected_max_age"`
		LockTTL         time.Duration `yaml:"lock_ttl"`

		// Directory for the history of removed calls; empty disables it.
		ArchiveDir       string        `yaml:"archive_dir"`
		ArchiveRetention time.Duration `yaml:"archive_retention"`
	} `yaml:"janitor"`
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
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be > 0")
	}
	if c.Server.PongTimeout <= c.Server.PingInterval {
		return fmt.Errorf("server.pong_timeout must be > server.ping_interval")
	}

	// Call
	if c.Call.RingingTimeout <= 0 {
		return fmt.Errorf("call.ringing_timeout must be > 0")
	}
	if c.Call.DeclineGrace < 0 {
		return fmt.Errorf("call.decline_grace must be >= 0")
	}
	if c.Call.NavigateBackDelay < 0 {
		return fmt.Errorf("call.navigate_back_delay must be >= 0")
	}
	if c.Call.TeardownTimeout <= 0 {
		return fmt.Errorf("call.teardown_timeout must be > 0")
	}

	// Store
	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when store.backend=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when store.backend=redis")
		}
	case StoreMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("mongo.uri must not be empty when store.backend=mongo")
		}
		if c.Mongo.Database == "" {
			return fmt.Errorf("mongo.database must not be empty when store.backend=mongo")
		}
	default:
		return fmt.Errorf("store.backend must be one of %s, %s, %s", StoreMemory, StoreRedis, StoreMongo)
	}
	if c.Store.Retry.MaxAttempts < 1 {
		return fmt.Errorf("store.retry.max_attempts must be >= 1")
	}
	if c.Store.Retry.InitialDelay <= 0 || c.Store.Retry.MaxDelay < c.Store.Retry.InitialDelay {
		return fmt.Errorf("store.retry delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Store.CircuitBreaker.MaxFailures <= 0 {
		return fmt.Errorf("store.circuit_breaker.max_failures must be > 0")
	}
	if c.Store.CircuitBreaker.Timeout <= 0 {
		return fmt.Errorf("store.circuit_breaker.timeout must be > 0")
	}

	if c.Profiles.CacheTTL <= 0 {
		return fmt.Errorf("profiles.cache_ttl must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.AccessTokenTTL <= 0 {
			return fmt.Errorf("auth.access_token_ttl must be > 0")
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
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConnections < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	if (c.WebRTC.PortMin == 0) != (c.WebRTC.PortMax == 0) || c.WebRTC.PortMin > c.WebRTC.PortMax {
		return fmt.Errorf("webrtc.port_min and webrtc.port_max must be set together with min <= max")
	}
	if c.Media.Width <= 0 || c.Media.Height <= 0 || c.Media.FrameRate <= 0 {
		return fmt.Errorf("media width, height and frame_rate must be > 0")
	}
	if c.Media.VideoBitrate <= 0 || c.Media.AudioBitrate <= 0 {
		return fmt.Errorf("media bitrates must be > 0")
	}

	// Janitor
	if c.Janitor.Interval <= 0 {
		return fmt.Errorf("janitor.interval must be > 0")
	}
	if c.Janitor.RingingMaxAge <= 0 || c.Janitor.TerminalMaxAge <= 0 || c.Janitor.ConnectedMaxAge <= 0 {
		return fmt.Errorf("janitor max ages must be > 0")
	}
	if c.Janitor.LockTTL <= 0 {
		return fmt.Errorf("janitor.lock_ttl must be > 0")
	}
	if c.Janitor.ArchiveRetention < 0 {
		return fmt.Errorf("janitor.archive_retention must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// no file: defaults plus environment
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
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

	cfg.Server.Address = "127.0.0.1:8790"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.PingInterval = 30 * time.Second
	cfg.Server.PongTimeout = 60 * time.Second

	cfg.Call.RingingTimeout = 45 * time.Second
	cfg.Call.DeclineGrace = 2 * time.Second
	cfg.Call.NavigateBackDelay = time.Second
	cfg.Call.TeardownTimeout = 10 * time.Second

	cfg.Media.Width = 640
	cfg.Media.Height = 480
	cfg.Media.FrameRate = 30
	cfg.Media.VideoBitrate = 800_000
	cfg.Media.AudioBitrate = 32_000

	cfg.Store.Backend = StoreMemory
	cfg.Store.FallbackToMemory = false
	cfg.Store.Retry.MaxAttempts = 3
	cfg.Store.Retry.InitialDelay = 100 * time.Millisecond
	cfg.Store.Retry.MaxDelay = 2 * time.Second
	cfg.Store.CircuitBreaker.MaxFailures = 5
	cfg.Store.CircuitBreaker.Timeout = 30 * time.Second

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Mongo.URI = "mongodb://localhost:27017/?replicaSet=rs0"
	cfg.Mongo.Database = "wanderlink"

	cfg.Profiles.CacheTTL = 5 * time.Minute

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRatio = 1

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Auth.Enabled = false
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.AllowedOrigins = []string{"http://localhost:*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxConnections = 4
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 16 * 1024

	cfg.Janitor.Interval = 30 * time.Second
	cfg.Janitor.RingingMaxAge = 2 * time.Minute
	cfg.Janitor.TerminalMaxAge = time.Minute
	cfg.Janitor.ConnectedMaxAge = 12 * time.Hour
	cfg.Janitor.LockTTL = time.Minute
	cfg.Janitor.ArchiveRetention = 30 * 24 * time.Hour

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("WANDERLINK_USER_ID"); id != "" {
		c.Agent.UserID = id
	}
	if addr := os.Getenv("WANDERLINK_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if backend := os.Getenv("WANDERLINK_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if addr := os.Getenv("WANDERLINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if uri := os.Getenv("WANDERLINK_MONGO_URI"); uri != "" {
		c.Mongo.URI = uri
	}
	if level := os.Getenv("WANDERLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("WANDERLINK_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
		c.Auth.Enabled = true
	}
}
