package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Broker   BrokerConfig   `yaml:"broker"`
	Decode   DecodeConfig   `yaml:"decode"`
	Mapping  MappingConfig  `yaml:"mapping"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// BrokerConfig holds MQTT broker connection and topic configuration
type BrokerConfig struct {
	URL             string          `yaml:"url"`
	Username        string          `yaml:"username"`
	Password        string          `yaml:"password"`
	ClientID        string          `yaml:"client_id"`
	QoS             byte            `yaml:"qos"`
	Retain          bool            `yaml:"retain"`
	Topics          TopicsConfig    `yaml:"topics"`
	BacklogCapacity int             `yaml:"backlog_capacity"`
	PublishTimeout  time.Duration   `yaml:"publish_timeout"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
}

// TopicsConfig holds the three topic templates the publisher renders.
// Placeholders: {gateway_id}, {meter_id}, {ingest_id}.
type TopicsConfig struct {
	Raw    string `yaml:"raw"`
	Parsed string `yaml:"parsed"`
	Error  string `yaml:"error"`
}

// ReconnectConfig holds broker reconnect backoff settings
type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DecodeConfig holds decode-service client configuration
type DecodeConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Token       string        `yaml:"token"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     BackoffConfig `yaml:"backoff"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// BackoffConfig holds retry backoff settings for the decode client
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// BreakerConfig holds circuit breaker settings for the decode client
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// MappingConfig holds the decode mapping document source configuration
type MappingConfig struct {
	Path            string        `yaml:"path"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// PipelineConfig holds decode pipeline configuration
type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	KeyPolicy     string        `yaml:"key_policy"` // strict or lenient
	Dedup         DedupConfig   `yaml:"dedup"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
}

// DedupConfig holds duplicate-telegram filter configuration
type DedupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Window        time.Duration `yaml:"window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Broker.URL == "" {
		return fmt.Errorf("broker url is required")
	}

	if c.Broker.QoS > 2 {
		return fmt.Errorf("invalid broker qos: %d (must be 0, 1 or 2)", c.Broker.QoS)
	}

	if err := c.validateTopics(); err != nil {
		return err
	}

	if c.Decode.BaseURL == "" {
		return fmt.Errorf("decode base_url is required")
	}

	if err := c.validatePipeline(); err != nil {
		return err
	}

	return nil
}

// validateTopics checks that every topic template carries the placeholders
// the publisher substitutes at runtime. Rendering itself cannot fail, so a
// missing placeholder must be caught here, once, at startup.
func (c *Config) validateTopics() error {
	required := map[string][]string{
		"raw":    {"{gateway_id}", "{ingest_id}"},
		"parsed": {"{gateway_id}", "{meter_id}"},
		"error":  {"{gateway_id}", "{ingest_id}"},
	}
	templates := map[string]string{
		"raw":    c.Broker.Topics.Raw,
		"parsed": c.Broker.Topics.Parsed,
		"error":  c.Broker.Topics.Error,
	}

	for _, name := range []string{"raw", "parsed", "error"} {
		tmpl := templates[name]
		if tmpl == "" {
			return fmt.Errorf("broker %s topic template is required", name)
		}
		for _, placeholder := range required[name] {
			if !strings.Contains(tmpl, placeholder) {
				return fmt.Errorf("broker %s topic template missing %s placeholder", name, placeholder)
			}
		}
	}

	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be greater than 0")
	}

	if c.Pipeline.QueueCapacity <= 0 {
		return fmt.Errorf("pipeline queue_capacity must be greater than 0")
	}

	if c.Pipeline.KeyPolicy != "strict" && c.Pipeline.KeyPolicy != "lenient" {
		return fmt.Errorf("pipeline key_policy must be strict or lenient, got %q", c.Pipeline.KeyPolicy)
	}

	if c.Pipeline.Dedup.Enabled && c.Pipeline.Dedup.Window <= 0 {
		return fmt.Errorf("pipeline dedup window must be greater than 0 when dedup is enabled")
	}

	return nil
}
