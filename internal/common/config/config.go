// Package config provides configuration management for orchestratord.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for orchestratord.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Events     EventsConfig     `mapstructure:"events"`
	Docker     DockerConfig     `mapstructure:"docker"`
	RDP        RDPConfig        `mapstructure:"rdp"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Session    SessionConfig    `mapstructure:"session"`
	Job        JobConfig        `mapstructure:"job"`
	History    HistoryConfig    `mapstructure:"history"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Health     HealthConfig     `mapstructure:"health"`
	Logging    LoggingConfig    `mapstructure:"logging"`

	// DefaultAgentCount is loaded from configuration but not read anywhere
	// else; no agents are seeded at startup.
	DefaultAgentCount int `mapstructure:"defaultAgentCount"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace is loaded from configuration (default empty) but not read by
	// any event bus or subscriber; it does not change subject or queue names.
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig holds Docker client configuration for the session provisioner.
type DockerConfig struct {
	// Enabled controls whether sessions are provisioned via real Docker
	// containers. When false, sessions use the in-memory fake provisioner.
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	Image          string `mapstructure:"image"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// RDPConfig controls the port range a provisioned session's remote desktop
// listener is allocated from.
type RDPConfig struct {
	BasePort int `mapstructure:"basePort"`
	PortSpan int `mapstructure:"portSpan"`
}

// SchedulerConfig controls the dispatch loop cadence and concurrency.
type SchedulerConfig struct {
	TickSeconds            int `mapstructure:"tickSeconds"`
	SendTimeoutSeconds     int `mapstructure:"sendTimeoutSeconds"`
	MaxConcurrentDispatch  int `mapstructure:"maxConcurrentDispatch"`
}

// AgentConfig controls agent-pool lifecycle defaults.
type AgentConfig struct {
	HeartbeatTimeoutMinutes  int `mapstructure:"heartbeatTimeoutMinutes"`
	RecycleAfterJobs         int `mapstructure:"recycleAfterJobs"`
	MaxConcurrentJobsDefault int `mapstructure:"maxConcurrentJobsDefault"`
}

// SessionConfig controls session-manager lifecycle defaults.
type SessionConfig struct {
	InactivityTimeoutHours int `mapstructure:"inactivityTimeoutHours"`
	MaxJobs                int `mapstructure:"maxJobs"`
	PortRetryAttempts      int `mapstructure:"portRetryAttempts"`
}

// JobConfig controls job execution defaults.
type JobConfig struct {
	TimeoutMinutes    int `mapstructure:"timeoutMinutes"`
	DefaultMaxRetries int `mapstructure:"defaultMaxRetries"`
}

// HistoryConfig controls retention of terminal jobs in the store.
type HistoryConfig struct {
	MaxCompleted int `mapstructure:"maxCompleted"`
}

// TransportConfig controls the AgentTransport's circuit breaker, retry, and
// rate-limiting behavior.
type TransportConfig struct {
	CircuitFailures        int     `mapstructure:"circuitFailures"`
	CircuitCooldownSeconds int     `mapstructure:"circuitCooldownSeconds"`
	SendRetryAttempts      int     `mapstructure:"sendRetryAttempts"`
	RateLimitPerSecond     float64 `mapstructure:"rateLimitPerSecond"`
}

// HealthConfig controls the HealthMonitor's independent sweep cadences.
type HealthConfig struct {
	AgentSweepSeconds   int `mapstructure:"agentSweepSeconds"`
	SessionSweepSeconds int `mapstructure:"sessionSweepSeconds"`
	JobSweepSeconds     int `mapstructure:"jobSweepSeconds"`
	CleanupSweepHours   int `mapstructure:"cleanupSweepHours"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Tick returns the scheduler's dispatch-loop interval as a time.Duration.
func (s *SchedulerConfig) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// SendTimeout returns the per-dispatch send deadline as a time.Duration.
func (s *SchedulerConfig) SendTimeout() time.Duration {
	return time.Duration(s.SendTimeoutSeconds) * time.Second
}

// HeartbeatTimeout returns the agent heartbeat staleness threshold.
func (a *AgentConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(a.HeartbeatTimeoutMinutes) * time.Minute
}

// InactivityTimeout returns the session idle threshold.
func (s *SessionConfig) InactivityTimeout() time.Duration {
	return time.Duration(s.InactivityTimeoutHours) * time.Hour
}

// Timeout returns the per-job execution deadline.
func (j *JobConfig) Timeout() time.Duration {
	return time.Duration(j.TimeoutMinutes) * time.Minute
}

// CircuitCooldown returns the circuit breaker's open-state cooldown.
func (t *TransportConfig) CircuitCooldown() time.Duration {
	return time.Duration(t.CircuitCooldownSeconds) * time.Second
}

// CleanupSweep returns the cleanup sweep cadence.
func (h *HealthConfig) CleanupSweep() time.Duration {
	return time.Duration(h.CleanupSweepHours) * time.Hour
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORCHESTRATORD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "orchestratord-cluster")
	v.SetDefault("nats.clientId", "orchestratord-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Events defaults
	v.SetDefault("events.namespace", "")

	// Docker defaults for session provisioning
	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.image", "orchestratord/rdp-agent:latest")
	v.SetDefault("docker.defaultNetwork", "orchestratord-network")

	// RDP port allocation
	v.SetDefault("rdp.basePort", 3390)
	v.SetDefault("rdp.portSpan", 1000)

	// Scheduler defaults
	v.SetDefault("scheduler.tickSeconds", 5)
	v.SetDefault("scheduler.sendTimeoutSeconds", 10)
	v.SetDefault("scheduler.maxConcurrentDispatch", 16)

	// Agent defaults
	v.SetDefault("agent.heartbeatTimeoutMinutes", 5)
	v.SetDefault("agent.recycleAfterJobs", 50)
	v.SetDefault("agent.maxConcurrentJobsDefault", 1)

	// Session defaults
	v.SetDefault("session.inactivityTimeoutHours", 2)
	v.SetDefault("session.maxJobs", 50)
	v.SetDefault("session.portRetryAttempts", 8)

	// Job defaults
	v.SetDefault("job.timeoutMinutes", 30)
	v.SetDefault("job.defaultMaxRetries", 3)

	// History defaults
	v.SetDefault("history.maxCompleted", 1000)

	// Transport defaults
	v.SetDefault("transport.circuitFailures", 5)
	v.SetDefault("transport.circuitCooldownSeconds", 30)
	v.SetDefault("transport.sendRetryAttempts", 3)
	v.SetDefault("transport.rateLimitPerSecond", 50.0)

	// Health monitor defaults: agent/session/job sweeps share a 2-minute
	// cadence, cleanup runs every 4 hours.
	v.SetDefault("health.agentSweepSeconds", 120)
	v.SetDefault("health.sessionSweepSeconds", 120)
	v.SetDefault("health.jobSweepSeconds", 120)
	v.SetDefault("health.cleanupSweepHours", 4)

	v.SetDefault("defaultAgentCount", 2)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ORCHESTRATORD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/orchestratord/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORCHESTRATORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "ORCHESTRATORD_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "ORCHESTRATORD_EVENTS_NAMESPACE")
	_ = v.BindEnv("nats.url", "ORCHESTRATORD_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestratord/")

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

// validate checks that all required configuration fields are set and
// internally consistent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.RDP.BasePort <= 0 || cfg.RDP.BasePort > 65535 {
		errs = append(errs, "rdp.basePort must be between 1 and 65535")
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		errs = append(errs, "scheduler.tickSeconds must be positive")
	}
	if cfg.Agent.HeartbeatTimeoutMinutes <= 0 {
		errs = append(errs, "agent.heartbeatTimeoutMinutes must be positive")
	}
	if cfg.Session.MaxJobs <= 0 {
		errs = append(errs, "session.maxJobs must be positive")
	}
	if cfg.Job.TimeoutMinutes <= 0 {
		errs = append(errs, "job.timeoutMinutes must be positive")
	}
	if cfg.Transport.CircuitFailures <= 0 {
		errs = append(errs, "transport.circuitFailures must be positive")
	}
	if cfg.Transport.RateLimitPerSecond <= 0 {
		errs = append(errs, "transport.rateLimitPerSecond must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
