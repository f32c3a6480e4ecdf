package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// ICEServer is one STUN resolver. TURN credentials are not supported.
type ICEServer struct {
	URLs []string `yaml:"urls"`
}

type Config struct {
	Control struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
	} `yaml:"control"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		PLIInterval time.Duration `yaml:"pli_interval"`
	} `yaml:"webrtc"`

	Media struct {
		FrameRate         int           `yaml:"frame_rate"`
		KeyframeInterval  time.Duration `yaml:"keyframe_interval"`
		ScreenMaxDuration time.Duration `yaml:"screen_max_duration"`
	} `yaml:"media"`

	Session struct {
		OfferDelay         time.Duration `yaml:"offer_delay"`
		RestartBackoff     time.Duration `yaml:"restart_backoff"`
		RestartMaxAttempts int           `yaml:"restart_max_attempts"`
		SignalTTL          time.Duration `yaml:"signal_ttl"`
		DedupTTL           time.Duration `yaml:"dedup_ttl"`
	} `yaml:"session"`

	Signaling struct {
		Backend           string        `yaml:"backend"`
		Codec             string        `yaml:"codec"`
		LeaseTTL          time.Duration `yaml:"lease_ttl"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	} `yaml:"signaling"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Control.Address == "" {
		return fmt.Errorf("control.address must not be empty")
	}
	if c.Control.ReadTimeout <= 0 || c.Control.WriteTimeout <= 0 {
		return fmt.Errorf("control read/write timeouts must be > 0")
	}
	if c.Control.ShutdownTimeout <= 0 {
		return fmt.Errorf("control.shutdown_timeout must be > 0")
	}

	if len(c.WebRTC.ICEServers) == 0 {
		return fmt.Errorf("webrtc.ice_servers must not be empty")
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if c.Media.FrameRate <= 0 || c.Media.FrameRate > 60 {
		return fmt.Errorf("media.frame_rate must be between 1 and 60")
	}
	if c.Media.KeyframeInterval <= 0 {
		return fmt.Errorf("media.keyframe_interval must be > 0")
	}
	if c.Media.ScreenMaxDuration < 0 {
		return fmt.Errorf("media.screen_max_duration must be >= 0")
	}

	if c.Session.OfferDelay < 0 {
		return fmt.Errorf("session.offer_delay must be >= 0")
	}
	if c.Session.RestartBackoff <= 0 {
		return fmt.Errorf("session.restart_backoff must be > 0")
	}
	if c.Session.RestartMaxAttempts < 0 {
		return fmt.Errorf("session.restart_max_attempts must be >= 0")
	}
	if c.Session.SignalTTL <= 0 {
		return fmt.Errorf("session.signal_ttl must be > 0")
	}
	if c.Session.DedupTTL <= 0 {
		return fmt.Errorf("session.dedup_ttl must be > 0")
	}

	switch c.Signaling.Backend {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when signaling.backend=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when signaling.backend=redis")
		}
	default:
		return fmt.Errorf("signaling.backend must be memory or redis, got %q", c.Signaling.Backend)
	}
	switch c.Signaling.Codec {
	case "json", "msgpack":
	default:
		return fmt.Errorf("signaling.codec must be json or msgpack, got %q", c.Signaling.Codec)
	}
	if c.Signaling.LeaseTTL <= 0 {
		return fmt.Errorf("signaling.lease_ttl must be > 0")
	}
	if c.Signaling.HeartbeatInterval <= 0 || c.Signaling.HeartbeatInterval >= c.Signaling.LeaseTTL {
		return fmt.Errorf("signaling.heartbeat_interval must be > 0 and < lease_ttl")
	}

	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file in the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
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

	cfg.Control.Address = "127.0.0.1:8090"
	cfg.Control.ReadTimeout = 15 * time.Second
	cfg.Control.WriteTimeout = 15 * time.Second
	cfg.Control.ShutdownTimeout = 10 * time.Second
	cfg.Control.PingInterval = 30 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
		{URLs: []string{"stun:stun2.l.google.com:19302"}},
	}
	cfg.WebRTC.PLIInterval = 3 * time.Second

	cfg.Media.FrameRate = 15
	cfg.Media.KeyframeInterval = 2 * time.Second

	cfg.Session.OfferDelay = 500 * time.Millisecond
	cfg.Session.RestartBackoff = 2 * time.Second
	cfg.Session.RestartMaxAttempts = 1
	cfg.Session.SignalTTL = 30 * time.Second
	cfg.Session.DedupTTL = 30 * time.Second

	cfg.Signaling.Backend = "memory"
	cfg.Signaling.Codec = "json"
	cfg.Signaling.LeaseTTL = 15 * time.Second
	cfg.Signaling.HeartbeatInterval = 5 * time.Second

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 10 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.RequestsPerSecond = 20
	cfg.RateLimiting.Burst = 40

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CLASSMESH_CONTROL_ADDRESS"); addr != "" {
		c.Control.Address = addr
	}
	if backend := os.Getenv("CLASSMESH_SIGNALING_BACKEND"); backend != "" {
		c.Signaling.Backend = backend
	}
	if codec := os.Getenv("CLASSMESH_SIGNALING_CODEC"); codec != "" {
		c.Signaling.Codec = codec
	}
	if addr := os.Getenv("CLASSMESH_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if pw := os.Getenv("CLASSMESH_REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if db := os.Getenv("CLASSMESH_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			c.Redis.DB = n
		}
	}
	if level := os.Getenv("CLASSMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("CLASSMESH_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if url := os.Getenv("CLASSMESH_JAEGER_URL"); url != "" {
		c.Tracing.JaegerURL = url
		c.Tracing.Enabled = true
	}
}
