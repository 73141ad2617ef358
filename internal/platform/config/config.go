// Package config loads control-plane configuration from environment variables,
// an optional config file, and defaults, using github.com/spf13/viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section for the gateway and agent binaries.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DatabaseConfig holds the durable-store connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | postgres | memory
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

// DSN returns the Postgres connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// NATSConfig holds event-bus configuration. An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// GatewayConfig holds the gateway's C1/C3/C6/C9 tunables.
type GatewayConfig struct {
	HMACSecret          string   `mapstructure:"hmacSecret"`
	ClockSkewSeconds    int      `mapstructure:"clockSkewSeconds"`
	NonceExpirySeconds  int      `mapstructure:"nonceExpirySeconds"`
	AllowlistedCommands []string `mapstructure:"allowlistedCommands"`
	SecretPatterns      []string `mapstructure:"secretPatterns"`
	OfflineThreshold     int     `mapstructure:"offlineThresholdSeconds"`
	DegradedThreshold    int     `mapstructure:"degradedThresholdSeconds"`
	ArtifactsDir         string  `mapstructure:"artifactsDir"`
}

func (g *GatewayConfig) ClockSkew() time.Duration {
	return time.Duration(g.ClockSkewSeconds) * time.Second
}

func (g *GatewayConfig) NonceExpiry() time.Duration {
	return time.Duration(g.NonceExpirySeconds) * time.Second
}

// AgentConfig holds the agent host's C7/C8 tunables.
type AgentConfig struct {
	AgentID             string `mapstructure:"agentId"`
	AgentLabel          string `mapstructure:"agentLabel"`
	MaxConcurrent       int    `mapstructure:"maxConcurrent"`
	CommandPollInterval int    `mapstructure:"commandPollIntervalMs"`
	ClaimPollInterval   int    `mapstructure:"claimPollIntervalMs"`
	HeartbeatInterval   int    `mapstructure:"heartbeatIntervalMs"`
	RunsDir             string `mapstructure:"runsDir"`
	Isolation           string `mapstructure:"isolation"` // "subprocess" | "docker"
	DockerImage         string `mapstructure:"dockerImage"` // required when isolation == "docker"
	GatewayURL          string `mapstructure:"gatewayUrl"`
	ClientToken         string `mapstructure:"clientToken"` // HMAC secret shared with gateway
}

func (a *AgentConfig) CommandPollIntervalDuration() time.Duration {
	return time.Duration(a.CommandPollInterval) * time.Millisecond
}

func (a *AgentConfig) ClaimPollIntervalDuration() time.Duration {
	return time.Duration(a.ClaimPollInterval) * time.Millisecond
}

func (a *AgentConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(a.HeartbeatInterval) * time.Millisecond
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./ctrlplane.db")
	v.SetDefault("database.sslMode", "disable")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ctrlplane")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("gateway.clockSkewSeconds", 300)
	v.SetDefault("gateway.nonceExpirySeconds", 600)
	v.SetDefault("gateway.allowlistedCommands", []string{"git status", "git diff", "git log"})
	v.SetDefault("gateway.secretPatterns", []string{
		`(?i)sk-[a-zA-Z0-9]{20,}`,
		`(?i)bearer\s+[a-zA-Z0-9._-]+`,
		`(?i)api[_-]?key["']?\s*[:=]\s*["']?[a-zA-Z0-9._-]{16,}`,
	})
	v.SetDefault("gateway.offlineThresholdSeconds", 90)
	v.SetDefault("gateway.degradedThresholdSeconds", 30)
	v.SetDefault("gateway.artifactsDir", "./ctrlplane-artifacts")

	v.SetDefault("agent.maxConcurrent", 4)
	v.SetDefault("agent.commandPollIntervalMs", 1000)
	v.SetDefault("agent.claimPollIntervalMs", 2000)
	v.SetDefault("agent.heartbeatIntervalMs", 15000)
	v.SetDefault("agent.runsDir", "~/.ctrlplane/runs")
	v.SetDefault("agent.isolation", "subprocess")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, an optional config.yaml, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an explicit config file search path.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CTRLPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("gateway.hmacSecret", "CTRLPLANE_HMAC_SECRET")
	_ = v.BindEnv("agent.agentId", "CTRLPLANE_AGENT_ID")
	_ = v.BindEnv("agent.clientToken", "CTRLPLANE_HMAC_SECRET")
	_ = v.BindEnv("logging.level", "CTRLPLANE_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ctrlplane/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DBName == "" {
		errs = append(errs, "database.dbName is required for postgres driver")
	}
	if cfg.Agent.Isolation == "docker" && cfg.Agent.DockerImage == "" {
		errs = append(errs, "agent.dockerImage is required when agent.isolation is \"docker\"")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
