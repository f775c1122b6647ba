package config

import (
	"fmt"
	"time"
)

type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Pacing     PacingConfig     `mapstructure:"pacing"`
	Verify     VerifyConfig     `mapstructure:"verify"`
	API        APIConfig        `mapstructure:"api"`
	Engagement EngagementConfig `mapstructure:"engagement"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Output     OutputConfig     `mapstructure:"output"`
}

type LoggerConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// QueueConfig selects where retry work lives. The memory backend is the
// default; redis shares retry state between harness processes working the
// same campaign.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
}

type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type EngineConfig struct {
	Concurrency         int           `mapstructure:"concurrency"`
	RetryLimit          int           `mapstructure:"retry_limit"`
	StopOnFirstVerified bool          `mapstructure:"stop_on_first_verified"`
	WindowSize          int           `mapstructure:"window_size"`
	BlockedThreshold    float64       `mapstructure:"blocked_threshold"`
	LeaseRetryDelay     time.Duration `mapstructure:"lease_retry_delay"`
}

type IdentityConfig struct {
	Sources             []string      `mapstructure:"sources"`
	RosterFile          string        `mapstructure:"roster_file"`
	IncludeDirect       bool          `mapstructure:"include_direct"`
	UseTor              bool          `mapstructure:"use_tor"`
	TorSocksAddr        string        `mapstructure:"tor_socks_addr"`
	TorControlAddr      string        `mapstructure:"tor_control_addr"`
	TorControlPassword  string        `mapstructure:"tor_control_password"`
	MinIdle             time.Duration `mapstructure:"min_idle"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	TransientThreshold  int           `mapstructure:"transient_threshold"`
	CooldownBase        time.Duration `mapstructure:"cooldown_base"`
	DeadAfterCooldowns  int           `mapstructure:"dead_after_cooldowns"`
	Validate            bool          `mapstructure:"validate"`
	ValidateURL         string        `mapstructure:"validate_url"`
	ValidateConcurrency int           `mapstructure:"validate_concurrency"`
	ValidateTimeout     time.Duration `mapstructure:"validate_timeout"`
}

type PacingConfig struct {
	MinDelay        time.Duration `mapstructure:"min_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	BackoffFactor   float64       `mapstructure:"backoff_factor"`
	BackoffCeiling  time.Duration `mapstructure:"backoff_ceiling"`
	GlobalRate      float64       `mapstructure:"global_rate"`
	GlobalBurst     int           `mapstructure:"global_burst"`
	ResetAfterClean int           `mapstructure:"reset_after_clean"`
}

type VerifyConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	API       APIVerifier   `mapstructure:"api"`
	Form      FormVerifier  `mapstructure:"form"`
	SSH       SSHVerifier   `mapstructure:"ssh"`
	LDAP      LDAPVerifier  `mapstructure:"ldap"`
	Session   SessionConfig `mapstructure:"session"`
	Markers   MarkersConfig `mapstructure:"markers"`
}

type APIVerifier struct {
	AuthToken string            `mapstructure:"auth_token"`
	Headers   map[string]string `mapstructure:"headers"`
}

type FormVerifier struct {
	Method       string   `mapstructure:"method"`
	UserField    string   `mapstructure:"user_field"`
	PassField    string   `mapstructure:"pass_field"`
	SuccessText  []string `mapstructure:"success_text"`
	FailureText  []string `mapstructure:"failure_text"`
	SuccessPaths []string `mapstructure:"success_paths"`
}

type SSHVerifier struct {
	Port int `mapstructure:"port"`
}

type LDAPVerifier struct {
	UserDNTemplate string `mapstructure:"user_dn_template"`
	StartTLS       bool   `mapstructure:"start_tls"`
}

// SessionConfig bounds the per-identity token cache.
type SessionConfig struct {
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
}

// MarkersConfig overrides the built-in response classification markers.
type MarkersConfig struct {
	RateLimit []string `mapstructure:"rate_limit"`
	Lockout   []string `mapstructure:"lockout"`
	Captcha   []string `mapstructure:"captcha"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type EngagementConfig struct {
	ManifestPath string `mapstructure:"manifest_path"`
	Acknowledged bool   `mapstructure:"acknowledged"`
}

type CheckpointConfig struct {
	Dir      string        `mapstructure:"dir"`
	Interval time.Duration `mapstructure:"interval"`
}

type OutputConfig struct {
	JSONL string `mapstructure:"jsonl"`
}

// Validate catches configurations that would make a campaign misbehave in
// ways only discovered mid-run.
func (c *Config) Validate() error {
	if c.Engine.Concurrency < 1 {
		return fmt.Errorf("engine.concurrency must be at least 1, got %d", c.Engine.Concurrency)
	}
	if c.Engine.RetryLimit < 0 {
		return fmt.Errorf("engine.retry_limit must not be negative, got %d", c.Engine.RetryLimit)
	}
	if c.Pacing.MinDelay < 0 || c.Pacing.MaxDelay < 0 {
		return fmt.Errorf("pacing delays must not be negative")
	}
	if c.Pacing.MaxDelay < c.Pacing.MinDelay {
		return fmt.Errorf("pacing.max_delay %s is below pacing.min_delay %s", c.Pacing.MaxDelay, c.Pacing.MinDelay)
	}
	if c.Pacing.BackoffFactor < 1.0 {
		return fmt.Errorf("pacing.backoff_factor must be at least 1.0, got %g", c.Pacing.BackoffFactor)
	}
	if c.Engine.BlockedThreshold <= 0 || c.Engine.BlockedThreshold > 1 {
		return fmt.Errorf("engine.blocked_threshold must be in (0, 1], got %g", c.Engine.BlockedThreshold)
	}
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("queue.backend must be memory or redis, got %q", c.Queue.Backend)
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stdout"},
		},
		Database: DatabaseConfig{
			Driver:          "sqlite3",
			DSN:             "",
			MaxConnections:  10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 1 * time.Hour,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Queue: QueueConfig{
			Backend: "memory",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "carousel",
			Endpoint:    "localhost:4318",
			SampleRate:  1.0,
		},
		Engine: EngineConfig{
			Concurrency:         4,
			RetryLimit:          2,
			StopOnFirstVerified: true,
			WindowSize:          20,
			BlockedThreshold:    0.5,
			LeaseRetryDelay:     250 * time.Millisecond,
		},
		Identity: IdentityConfig{
			IncludeDirect:       true,
			TorSocksAddr:        "127.0.0.1:9050",
			TorControlAddr:      "127.0.0.1:9051",
			MinIdle:             30 * time.Second,
			FailureThreshold:    3,
			TransientThreshold:  5,
			CooldownBase:        5 * time.Minute,
			DeadAfterCooldowns:  3,
			Validate:            false,
			ValidateURL:         "https://www.google.com",
			ValidateConcurrency: 10,
			ValidateTimeout:     10 * time.Second,
		},
		Pacing: PacingConfig{
			MinDelay:        1 * time.Second,
			MaxDelay:        3 * time.Second,
			BackoffFactor:   2.0,
			BackoffCeiling:  60 * time.Second,
			GlobalRate:      5,
			GlobalBurst:     5,
			ResetAfterClean: 5,
		},
		Verify: VerifyConfig{
			Timeout:   15 * time.Second,
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
			Form: FormVerifier{
				Method:    "POST",
				UserField: "username",
				PassField: "password",
			},
			SSH: SSHVerifier{
				Port: 22,
			},
			Session: SessionConfig{
				TokenTTL:  15 * time.Minute,
				CacheSize: 128,
			},
		},
		API: APIConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8731",
		},
		Checkpoint: CheckpointConfig{
			Interval: 15 * time.Second,
		},
	}
}
