package config

import (
	"fmt"
	"os"
	"time"

	"voicemesh/pkg/validation"

	"gopkg.in/yaml.v2"
)

// BackoffConfig is the YAML shape of an exponential backoff policy.
type BackoffConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

type Config struct {
	// Client identifies the local participant of the voice client.
	Client struct {
		UserID   string `yaml:"user_id"`
		Username string `yaml:"username"`
		Token    string `yaml:"token"`
	} `yaml:"client"`

	// Control is the local HTTP API the UI drives the client through.
	Control struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"control"`

	Signaling struct {
		URL              string        `yaml:"url"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongTimeout      time.Duration `yaml:"pong_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		SendQueueSize    int           `yaml:"send_queue_size"`
		SendRetry        BackoffConfig `yaml:"send_retry"`
		Reconnect        BackoffConfig `yaml:"reconnect"`
	} `yaml:"signaling"`

	Relay struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"relay"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Voice struct {
		VAD struct {
			Interval  time.Duration `yaml:"interval"`
			Threshold float64       `yaml:"threshold"`
			BandLowHz float64       `yaml:"band_low_hz"`
			BandHiHz  float64       `yaml:"band_high_hz"`
			Window    int           `yaml:"window"`
		} `yaml:"vad"`
		DisconnectTimeout  time.Duration `yaml:"disconnect_timeout"`
		RecreateDelay      time.Duration `yaml:"recreate_delay"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		RecreateBudget     struct {
			Failures int           `yaml:"failures"`
			Cooldown time.Duration `yaml:"cooldown"`
		} `yaml:"recreate_budget"`
		RejoinGrace time.Duration `yaml:"rejoin_grace"`
	} `yaml:"voice"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`

		// IssueTokens exposes the relay's token endpoint. Development only.
		IssueTokens bool `yaml:"issue_tokens"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Control
	if c.Control.Address == "" {
		return fmt.Errorf("control.address must not be empty")
	}
	if c.Control.ReadTimeout <= 0 || c.Control.WriteTimeout <= 0 || c.Control.ShutdownTimeout <= 0 {
		return fmt.Errorf("control timeouts must be > 0")
	}

	// Signaling
	if err := validation.ValidateSignalingURL(c.Signaling.URL); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if c.Signaling.PingInterval <= 0 {
		return fmt.Errorf("signaling.ping_interval must be > 0")
	}
	if c.Signaling.PongTimeout <= c.Signaling.PingInterval {
		return fmt.Errorf("signaling.pong_timeout must be > ping_interval")
	}
	if c.Signaling.WriteTimeout <= 0 {
		return fmt.Errorf("signaling.write_timeout must be > 0")
	}
	if c.Signaling.SendQueueSize <= 0 {
		return fmt.Errorf("signaling.send_queue_size must be > 0")
	}
	if err := c.Signaling.SendRetry.validate("signaling.send_retry"); err != nil {
		return err
	}
	if err := c.Signaling.Reconnect.validate("signaling.reconnect"); err != nil {
		return err
	}

	// Relay
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > ping_interval")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Voice
	if c.Voice.VAD.Interval <= 0 {
		return fmt.Errorf("voice.vad.interval must be > 0")
	}
	if c.Voice.VAD.Threshold <= 0 {
		return fmt.Errorf("voice.vad.threshold must be > 0")
	}
	if c.Voice.VAD.BandLowHz <= 0 || c.Voice.VAD.BandHiHz <= c.Voice.VAD.BandLowHz {
		return fmt.Errorf("voice.vad band must satisfy 0 < band_low_hz < band_high_hz")
	}
	if c.Voice.VAD.Window < 64 {
		return fmt.Errorf("voice.vad.window must be >= 64")
	}
	if c.Voice.DisconnectTimeout <= 0 {
		return fmt.Errorf("voice.disconnect_timeout must be > 0")
	}
	if c.Voice.RecreateDelay <= 0 {
		return fmt.Errorf("voice.recreate_delay must be > 0")
	}
	if c.Voice.NegotiationTimeout <= 0 {
		return fmt.Errorf("voice.negotiation_timeout must be > 0")
	}
	if c.Voice.RecreateBudget.Failures <= 0 {
		return fmt.Errorf("voice.recreate_budget.failures must be > 0")
	}
	if c.Voice.RecreateBudget.Cooldown <= 0 {
		return fmt.Errorf("voice.recreate_budget.cooldown must be > 0")
	}
	if c.Voice.RejoinGrace < 0 {
		return fmt.Errorf("voice.rejoin_grace must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
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

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

func (b BackoffConfig) validate(section string) error {
	if b.InitialDelay <= 0 {
		return fmt.Errorf("%s.initial_delay must be > 0", section)
	}
	if b.MaxDelay < b.InitialDelay {
		return fmt.Errorf("%s.max_delay must be >= initial_delay", section)
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("%s.multiplier must be >= 1", section)
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
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

	cfg.Client.UserID = "local"
	cfg.Client.Username = "local"

	cfg.Control.Address = "127.0.0.1:8090"
	cfg.Control.ReadTimeout = 10 * time.Second
	cfg.Control.WriteTimeout = 10 * time.Second
	cfg.Control.ShutdownTimeout = 10 * time.Second

	cfg.Signaling.URL = "ws://localhost:8081/ws"
	cfg.Signaling.HandshakeTimeout = 10 * time.Second
	cfg.Signaling.PingInterval = 25 * time.Second
	cfg.Signaling.PongTimeout = 60 * time.Second
	cfg.Signaling.WriteTimeout = 10 * time.Second
	cfg.Signaling.SendQueueSize = 256
	cfg.Signaling.SendRetry = BackoffConfig{
		MaxAttempts:  4,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
	cfg.Signaling.Reconnect = BackoffConfig{
		MaxAttempts:  -1,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     15 * time.Second,
		Multiplier:   2.0,
	}

	cfg.Relay.Address = ":8081"
	cfg.Relay.PingInterval = 25 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.ShutdownTimeout = 15 * time.Second

	cfg.Voice.VAD.Interval = 80 * time.Millisecond
	cfg.Voice.VAD.Threshold = 0.01
	cfg.Voice.VAD.BandLowHz = 85
	cfg.Voice.VAD.BandHiHz = 3400
	cfg.Voice.VAD.Window = 1024
	cfg.Voice.DisconnectTimeout = 5 * time.Second
	cfg.Voice.RecreateDelay = 2 * time.Second
	cfg.Voice.NegotiationTimeout = 15 * time.Second
	cfg.Voice.RecreateBudget.Failures = 5
	cfg.Voice.RecreateBudget.Cooldown = 30 * time.Second
	cfg.Voice.RejoinGrace = 5 * time.Minute

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VOICEMESH_SIGNALING_URL"); v != "" {
		c.Signaling.URL = v
	}
	if v := os.Getenv("VOICEMESH_CONTROL_ADDRESS"); v != "" {
		c.Control.Address = v
	}
	if v := os.Getenv("VOICEMESH_RELAY_ADDRESS"); v != "" {
		c.Relay.Address = v
	}
	if v := os.Getenv("VOICEMESH_USER_ID"); v != "" {
		c.Client.UserID = v
	}
	if v := os.Getenv("VOICEMESH_USERNAME"); v != "" {
		c.Client.Username = v
	}
	if v := os.Getenv("VOICEMESH_TOKEN"); v != "" {
		c.Client.Token = v
	}
	if v := os.Getenv("VOICEMESH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VOICEMESH_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("VOICEMESH_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
}
